// Package imagecfg reads the per-build image.yaml document.
package imagecfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Image holds the per-build configuration. Only the keys declared here are
// legal in the document; anything else aborts the build before any VM work.
type Image struct {
	// SizeGB is the disk size in whole gigabytes, used for non-metal variants.
	SizeGB int `yaml:"size"`
	// PostprocessScript is an optional path, relative to the config
	// directory, run with the destination disk as its only argument.
	PostprocessScript string `yaml:"postprocess-script"`
}

// Load parses the document at path. Unknown keys and a missing size are
// configuration errors.
func Load(path string) (Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return Image{}, fmt.Errorf("open image config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var img Image
	if err := dec.Decode(&img); err != nil {
		return Image{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if img.SizeGB <= 0 {
		return Image{}, fmt.Errorf("%s: size must be a positive integer", path)
	}
	return img, nil
}
