package naming

import (
	"strings"

	"github.com/jinzhu/inflection"
)

// Pluralize converts a singular word to its plural form.
// Custom overrides win over the inflection rules.
func (n *Namer) Pluralize(word string) string {
	if override, ok := lookupOverride(n.config.PluralOverrides, word); ok {
		return override
	}
	return inflection.Plural(word)
}

// Singularize converts a plural word to its singular form.
// Custom overrides win over the inflection rules.
func (n *Namer) Singularize(word string) string {
	if override, ok := lookupOverride(n.config.SingularOverrides, word); ok {
		return override
	}
	return inflection.Singular(word)
}

// lookupOverride matches exactly first, then case-insensitively: config
// loaders lowercase map keys.
func lookupOverride(overrides map[string]string, word string) (string, bool) {
	if override, ok := overrides[word]; ok {
		return override, true
	}
	override, ok := overrides[strings.ToLower(word)]
	return override, ok
}
