package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// manifest is the on-disk shape of a backend-registration document: a list
// of backend ids and their admission capacities, decoded with yaml.v3 the
// way the teacher's config manifests are.
type manifest struct {
	Backends []BackendEntry `yaml:"backends"`
}

// LoadBackendManifest decodes a YAML document listing backend ids and
// capacities and returns the entries in document order. The caller
// typically folds the result into a Config via WithBackend.
func LoadBackendManifest(data []byte) ([]BackendEntry, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: parse backend manifest: %w", err)
	}
	for i, b := range m.Backends {
		if b.ID == "" {
			return nil, fmt.Errorf("config: backend manifest entry %d has empty id", i)
		}
	}
	return m.Backends, nil
}

// ApplyManifest folds a decoded manifest's entries into c, registering or
// replacing each backend's admission capacity.
func (c *Config) ApplyManifest(entries []BackendEntry) *Config {
	for _, b := range entries {
		c.WithBackend(b.ID, b.Capacity)
	}
	return c
}
