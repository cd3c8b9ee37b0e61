// Package naming derives entity, table and query-field names for the generated
// graph surface, including pluralization and reserved word handling.
package naming

// Config holds naming customization options.
type Config struct {
	// PluralOverrides maps singular -> custom plural
	// Example: {"Person": "People", "Status": "Statuses"}
	PluralOverrides map[string]string `mapstructure:"plural_overrides"`

	// SingularOverrides maps plural -> custom singular
	// Example: {"people": "person", "data": "datum"}
	SingularOverrides map[string]string `mapstructure:"singular_overrides"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PluralOverrides:   make(map[string]string),
		SingularOverrides: make(map[string]string),
	}
}
