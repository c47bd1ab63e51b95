package artifacts

type ArtifactKind string

const (
	ImageArtifact ArtifactKind = "image" // Bootable removable-media image
	ISOArtifact   ArtifactKind = "iso"   // Remastered hybrid ISO
)

type Artifact struct {
	Kind ArtifactKind `yaml:"kind"`
	URI  string       `yaml:"uri"`

	Checksum    string         `yaml:"md5,omitempty"`
	Size        int64          `yaml:"size"`
	ContentType string         `yaml:"content_type,omitempty"`
	Metadata    map[string]any `yaml:"metadata,omitempty"`
}
