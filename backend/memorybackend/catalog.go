package memorybackend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ggoodman/showchat-go/model"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// Catalog is the data a Backend serves: which client keys are accepted and
// which shows exist.
type Catalog struct {
	ClientKeys []string     `json:"client_keys" yaml:"client_keys" jsonschema:"required,minItems=1"`
	Shows      []model.Show `json:"shows" yaml:"shows"`
}

// Validate checks the catalog for blank or duplicate keys.
func (c Catalog) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Shows))
	for i, k := range c.ClientKeys {
		if strings.TrimSpace(k) == "" {
			errs = append(errs, fmt.Errorf("client_keys[%d]: empty", i))
		}
	}
	for i, s := range c.Shows {
		if strings.TrimSpace(s.ShowKey) == "" {
			errs = append(errs, fmt.Errorf("shows[%d]: empty show_key", i))
			continue
		}
		if seen[s.ShowKey] {
			errs = append(errs, fmt.Errorf("shows[%d]: duplicate show_key %q", i, s.ShowKey))
		}
		seen[s.ShowKey] = true
	}
	return errors.Join(errs...)
}

// ParseCatalog decodes a YAML (or JSON, which is valid YAML) catalog.
func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Catalog{}, fmt.Errorf("memorybackend: parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, fmt.Errorf("memorybackend: invalid catalog: %w", err)
	}
	return c, nil
}

// LoadCatalog reads and parses the catalog file at path.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("memorybackend: read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// MarshalFile renders c in the file format LoadCatalog reads.
func (c Catalog) MarshalFile() ([]byte, error) {
	return yaml.Marshal(c)
}

// CatalogSchema returns the JSON Schema describing catalog files, for editor
// integration and validation in CI.
func CatalogSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(Catalog))
	s.Title = "showchat catalog"
	return json.MarshalIndent(s, "", "  ")
}
