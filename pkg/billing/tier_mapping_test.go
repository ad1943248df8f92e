package billing

import "testing"

func TestTierMapper_Map(t *testing.T) {
	tests := []struct {
		name    string
		mapping map[string]string
		product string
		want    string
	}{
		{"exact", map[string]string{"silver_monthly": "silver"}, "silver_monthly", "silver"},
		{"case insensitive", map[string]string{"Silver_Monthly": "silver"}, "SILVER_MONTHLY", "silver"},
		{"wildcard", map[string]string{"silver_monthly": "silver", "*": "bronze"}, "other", "bronze"},
		{"default key", map[string]string{"default": "bronze"}, "other", "bronze"},
		{"product id fallback", map[string]string{"silver_monthly": "silver"}, "gold", "gold"},
		{"empty product", map[string]string{"*": "bronze"}, "", "bronze"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewTierMapper(tt.mapping).Map(tt.product); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}
