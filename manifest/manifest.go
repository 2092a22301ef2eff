package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/registry"
)

// Manifest is the file form of an agent record.
type Manifest struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Description  string            `yaml:"description"`
	Version      string            `yaml:"version"`
	Capabilities []string          `yaml:"capabilities"`
	Locator      string            `yaml:"locator"`
	Status       string            `yaml:"status"`
	Config       map[string]string `yaml:"config"`
	Tools        []string          `yaml:"tools"`
	SubAgents    []string          `yaml:"sub_agents"`
}

// Parse decodes and validates manifest YAML. Unknown fields are rejected.
func Parse(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, errors.InvalidInput(fmt.Sprintf("invalid manifest: %v", err))
	}
	m.Status = strings.ToUpper(strings.TrimSpace(m.Status))
	if err := registry.ValidateRecord(m.Record()); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads the manifest at path, defaulting the id to the file stem.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading manifest", errors.WithMetadata("path", path))
	}
	m, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, "loading "+filepath.Base(path), errors.WithMetadata("path", path))
	}
	if m.ID == "" {
		m.ID = Stem(path)
	}
	return m, nil
}

// Stem returns the file name of path without its extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// IsManifest reports whether path names a manifest file. Hidden and
// editor temporary files are not manifests.
func IsManifest(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.Contains(base, "~") || strings.Contains(base, ".tmp") {
		return false
	}
	ext := filepath.Ext(base)
	return ext == ".yaml" || ext == ".yml"
}

// Record converts m into an agent record.
func (m *Manifest) Record() registry.AgentRecord {
	return registry.AgentRecord{
		ID:           m.ID,
		Name:         m.Name,
		Description:  m.Description,
		Version:      m.Version,
		Capabilities: m.Capabilities,
		Locator:      m.Locator,
		Status:       registry.Status(m.Status),
		Config:       m.Config,
		Tools:        m.Tools,
		SubAgents:    m.SubAgents,
	}
}
