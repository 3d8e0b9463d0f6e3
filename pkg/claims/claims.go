// Package claims maps verified identity claims onto local user attributes.
package claims

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gematik/zero-login/pkg/oidc"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// Attributes are local user attributes by name.
type Attributes map[string]any

// Mapping sets the local Attribute from the Claim. Claims nested in
// objects are addressed with dotted paths like "address.locality".
type Mapping struct {
	Attribute string `yaml:"attribute" json:"attribute" validate:"required"`
	Claim     string `yaml:"claim" json:"claim" validate:"required"`
}

// Table is applied in order, a later mapping of the same attribute wins
// if its claim is present.
type Table []Mapping

// DefaultTable is used when no mapping is configured.
func DefaultTable() Table {
	return Table{
		{Attribute: "timezone", Claim: "zoneinfo"},
	}
}

// UnmarshalYAML accepts a list of mappings as well as a YAML map of
// attribute to claim. The order of the map is kept.
func (t *Table) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		var list []Mapping
		if err := value.Decode(&list); err != nil {
			return err
		}
		*t = list
		return nil
	}

	table := make(Table, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		if key.Kind != yaml.ScalarNode || val.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: mapping must be attribute: claim", key.Line)
		}
		table = append(table, Mapping{Attribute: key.Value, Claim: val.Value})
	}
	*t = table
	return nil
}

// Map returns the attributes the table yields for the claims. Attributes
// whose claim is absent or empty are not part of the result, so applying
// the result never clears a local value.
func Map(verified *oidc.VerifiedClaims, table Table) Attributes {
	attrs := Attributes{}
	src := source{claims: verified}
	for _, m := range table {
		value, ok := src.lookup(m.Claim)
		if !ok || isEmpty(value) {
			continue
		}
		attrs[m.Attribute] = value
	}
	return attrs
}

type source struct {
	claims *oidc.VerifiedClaims
	doc    []byte
}

func (s *source) lookup(name string) (any, bool) {
	if value, ok := s.claims.Claim(name); ok {
		return value, true
	}
	if !strings.Contains(name, ".") {
		return nil, false
	}
	if s.doc == nil {
		doc, err := json.Marshal(s.claims.Claims())
		if err != nil {
			return nil, false
		}
		s.doc = doc
	}
	result := gjson.GetBytes(s.doc, name)
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	default:
		return false
	}
}
