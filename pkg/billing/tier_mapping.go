package billing

import "strings"

const (
	defaultTierKeyWildcard = "*"
	defaultTierKeyDefault  = "default"
)

// TierMapper maps store product IDs to tiers, case-insensitively.
type TierMapper struct {
	mapping  map[string]string
	fallback string
}

// NewTierMapper builds a mapper from a product -> tier mapping. The "*" or
// "default" key, if present, names the tier of unmapped products.
func NewTierMapper(mapping map[string]string) *TierMapper {
	m := &TierMapper{mapping: make(map[string]string, len(mapping))}
	for k, v := range mapping {
		m.mapping[strings.ToLower(strings.TrimSpace(k))] = v
	}
	if tier, ok := m.mapping[defaultTierKeyWildcard]; ok {
		m.fallback = tier
	} else if tier, ok := m.mapping[defaultTierKeyDefault]; ok {
		m.fallback = tier
	}
	return m
}

// Map returns the tier for productID. Unmapped products use the fallback tier
// if one is configured and the product ID itself otherwise.
func (m *TierMapper) Map(productID string) string {
	key := strings.ToLower(strings.TrimSpace(productID))
	if key == "" {
		return m.fallback
	}
	if tier, ok := m.mapping[key]; ok && key != defaultTierKeyWildcard && key != defaultTierKeyDefault {
		return tier
	}
	if m.fallback != "" {
		return m.fallback
	}
	return strings.TrimSpace(productID)
}
