package artifacts

import (
	"errors"
	"path/filepath"
	"strings"
)

func FileURI(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return "file://" + path
}

func PathFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, "file://") {
		return "", errors.New("not a file:// URI")
	}
	return strings.TrimPrefix(uri, "file://"), nil
}

func detectContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".iso":
		return "application/x-iso9660-image"
	case ".img":
		return "application/octet-stream"
	case ".md5":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
