package vmmconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest declares pmem devices to configure at VM startup, as an
// alternative to the PUT /pmem/{id} control-plane path.
type Manifest struct {
	Pmem []PmemDeviceConfig `yaml:"pmem"`
}

// LoadManifest reads and parses a device manifest from path.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("vmmconfig: read manifest %s: %w", path, err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("vmmconfig: parse manifest %s: %w", path, err)
	}
	return manifest, nil
}

// BuildAll validates and registers every device in the manifest with b,
// stopping at the first error.
func (m Manifest) BuildAll(b *PmemBuilder) error {
	for _, config := range m.Pmem {
		if err := b.Build(config); err != nil {
			return fmt.Errorf("vmmconfig: manifest device %q: %w", config.DriveID, err)
		}
	}
	return nil
}
