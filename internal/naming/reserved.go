package naming

import "strings"

// graphqlReservedWords contains GraphQL keywords and built-in types that cannot
// be used as entity or root field names.
var graphqlReservedWords = map[string]bool{
	"query":        true,
	"mutation":     true,
	"subscription": true,
	"type":         true,
	"schema":       true,
	"scalar":       true,
	"enum":         true,
	"input":        true,
	"interface":    true,
	"union":        true,
	"fragment":     true,
	"directive":    true,
	"extend":       true,
	"implements":   true,
	"on":           true,

	"int":     true,
	"float":   true,
	"string":  true,
	"boolean": true,
	"id":      true,

	"true":  true,
	"false": true,
	"null":  true,
}

// IsReserved reports whether name clashes with a GraphQL keyword, a built-in
// scalar, or the introspection namespace.
func IsReserved(name string) bool {
	lowerName := strings.ToLower(name)
	if strings.HasPrefix(lowerName, "__") {
		return true
	}
	return graphqlReservedWords[lowerName]
}

// IsFilterSuffixed reports whether a field name would be ambiguous inside a
// generated filter input, where "__" separates the field from its operator.
func IsFilterSuffixed(name string) bool {
	return strings.Contains(name, "__")
}
