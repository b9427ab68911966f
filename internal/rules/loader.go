package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ParsePack decodes a YAML rule pack:
//
//	rules:
//	  - code: GEO-001
//	    name: Sanctioned jurisdiction
//	    category: geography
//	    severity: critical
//	    conditions:
//	      - {field: country, operator: in, value: [KP, IR]}
//	    base_score: 40
//
// Rules are active unless they say "active: false".
func ParsePack(data []byte) ([]*domain.Rule, error) {
	var doc struct {
		Rules []yaml.Node `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: rule pack: %v", domain.ErrInvalidInput, err)
	}

	rules := make([]*domain.Rule, 0, len(doc.Rules))
	seen := make(map[string]struct{}, len(doc.Rules))
	for i := range doc.Rules {
		rule := &domain.Rule{IsActive: true}
		if err := doc.Rules[i].Decode(rule); err != nil {
			return nil, fmt.Errorf("%w: rule pack entry %d: %v", domain.ErrInvalidInput, i, err)
		}
		if _, dup := seen[rule.Code]; dup {
			return nil, fmt.Errorf("%w: rule pack lists %s twice", domain.ErrInvalidInput, rule.Code)
		}
		seen[rule.Code] = struct{}{}
		rule.ApplyDefaults()
		rules = append(rules, rule)
	}
	return rules, nil
}

// LoadPackFile reads and decodes a YAML rule pack from disk.
func LoadPackFile(path string) ([]*domain.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule pack: %w", err)
	}
	return ParsePack(data)
}

// MarshalPack encodes rules as a YAML rule pack. Statistics are not exported.
func MarshalPack(rules []*domain.Rule) ([]byte, error) {
	doc := struct {
		Rules []*domain.Rule `yaml:"rules"`
	}{Rules: rules}
	return yaml.Marshal(doc)
}
