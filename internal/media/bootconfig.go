package media

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
)

// Keys of the generated boot configuration file.
const (
	KeyScriptName   = "AUTO_FORENSIC_SCRIPT_NAME"
	KeyKeyFile      = "GCS_SA_KEY_FILE"
	KeyRemoteURL    = "GCS_REMOTE_URL"
	KeyExtraOptions = "EXTRA_OPTIONS"
)

// DefaultScriptName is the acquisition entry point installed in the live
// root filesystem.
const DefaultScriptName = "auto_acquire.py"

// BootConfig is the key=value file the launcher sources at boot.
type BootConfig struct {
	ScriptName   string
	KeyFile      string
	RemoteURL    string
	ExtraOptions string
}

func (c BootConfig) env() map[string]string {
	env := map[string]string{
		KeyScriptName: c.ScriptName,
		KeyKeyFile:    c.KeyFile,
		KeyRemoteURL:  c.RemoteURL,
	}
	if c.ExtraOptions != "" {
		env[KeyExtraOptions] = c.ExtraOptions
	}
	return env
}

// Marshal renders the file content.
func (c BootConfig) Marshal() ([]byte, error) {
	if c.ScriptName == "" {
		return nil, fmt.Errorf("boot config needs %s", KeyScriptName)
	}
	if c.RemoteURL == "" {
		return nil, fmt.Errorf("boot config needs %s", KeyRemoteURL)
	}
	content, err := godotenv.Marshal(c.env())
	if err != nil {
		return nil, err
	}
	return []byte(content + "\n"), nil
}

// ParseBootConfig reads a file produced by Marshal.
func ParseBootConfig(data []byte) (BootConfig, error) {
	env, err := godotenv.Unmarshal(string(data))
	if err != nil {
		return BootConfig{}, fmt.Errorf("parse boot config: %w", err)
	}
	return BootConfig{
		ScriptName:   env[KeyScriptName],
		KeyFile:      env[KeyKeyFile],
		RemoteURL:    env[KeyRemoteURL],
		ExtraOptions: strings.TrimSpace(env[KeyExtraOptions]),
	}, nil
}

// ReadBootConfig loads the boot configuration at path from fsys.
func ReadBootConfig(fsys afero.Fs, path string) (BootConfig, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return BootConfig{}, err
	}
	return ParseBootConfig(data)
}

// WriteBootConfig stores c at path on fsys.
func WriteBootConfig(fsys afero.Fs, path string, c BootConfig) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	return afero.WriteFile(fsys, path, data, 0o644)
}
