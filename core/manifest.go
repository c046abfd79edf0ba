package core

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WeightsManifest overrides resource locations and checksums without
// touching the environment. Example:
//
//	resources:
//	  - name: base
//	    url: https://mirror.internal/flux-schnell.tar
//	    sha256: 3f1c...
//	  - name: upscaler
//	    dest: /models/FSRCNN_x4.pb
type WeightsManifest struct {
	Resources []ManifestEntry `yaml:"resources"`
}

// ManifestEntry overrides the non-empty fields of one resource.
type ManifestEntry struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url,omitempty"`
	Dest      string `yaml:"dest,omitempty"`
	SHA256    string `yaml:"sha256,omitempty"`
	SizeBytes int64  `yaml:"size_bytes,omitempty"`
}

// LoadWeightsManifest reads a YAML manifest from path.
func LoadWeightsManifest(path string) (*WeightsManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{
			Code:    ErrCodeManifest,
			Message: fmt.Sprintf("Cannot read weights manifest %s: %v", path, err),
			Action:  "Fix WEIGHTS_MANIFEST or unset it to use built-in locations",
		}
	}

	var m WeightsManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ConfigError{
			Code:    ErrCodeManifest,
			Message: fmt.Sprintf("Invalid weights manifest %s: %v", path, err),
			Action:  "Check the YAML syntax of WEIGHTS_MANIFEST",
		}
	}
	return &m, nil
}

// Apply merges the manifest into resources. Unknown names are an error so
// typos do not silently fall back to defaults.
func (m *WeightsManifest) Apply(resources []WeightsResource) ([]WeightsResource, error) {
	out := make([]WeightsResource, len(resources))
	copy(out, resources)

	index := make(map[string]int, len(out))
	for i, r := range out {
		index[r.Name] = i
	}

	for _, e := range m.Resources {
		i, ok := index[e.Name]
		if !ok {
			return nil, &ConfigError{
				Code:    ErrCodeManifest,
				Message: fmt.Sprintf("Weights manifest names unknown resource %q", e.Name),
				Action:  "Use one of: base, safety, feature-extractor, upscaler",
			}
		}
		if e.URL != "" {
			out[i].URL = e.URL
		}
		if e.Dest != "" {
			out[i].Dest = e.Dest
		}
		if e.SHA256 != "" {
			out[i].ExpectedSHA256 = e.SHA256
		}
		if e.SizeBytes > 0 {
			out[i].SizeBytes = e.SizeBytes
		}
	}
	return out, nil
}

// ResolveResources returns DefaultResources(cfg) with WEIGHTS_MANIFEST
// applied when one is configured.
func ResolveResources(cfg *Config) ([]WeightsResource, error) {
	resources := DefaultResources(cfg)
	if cfg.WeightsManifest == "" {
		return resources, nil
	}
	manifest, err := LoadWeightsManifest(cfg.WeightsManifest)
	if err != nil {
		return nil, err
	}
	return manifest.Apply(resources)
}
