package naming

import (
	"log/slog"
	"strings"
	"unicode"
)

// Namer converts between entity names, storage table names and the root
// query field names exposed by the graph.
type Namer struct {
	config Config
	logger *slog.Logger
}

// New creates a Namer with the given configuration
func New(cfg Config, logger *slog.Logger) *Namer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PluralOverrides == nil {
		cfg.PluralOverrides = map[string]string{}
	}
	if cfg.SingularOverrides == nil {
		cfg.SingularOverrides = map[string]string{}
	}
	return &Namer{config: cfg, logger: logger}
}

// Default returns a Namer with default configuration
func Default() *Namer {
	return New(DefaultConfig(), nil)
}

// PluralEntityName returns the plural form of an entity name.
// Example: "ScoredLabel" -> "ScoredLabels"
func (n *Namer) PluralEntityName(entity string) string {
	return n.Pluralize(entity)
}

// TableName derives the default storage table for an entity.
// Example: "ScoredLabel" -> "scored_labels"
func (n *Namer) TableName(entity string) string {
	return ToSnakeCase(n.PluralEntityName(entity))
}

// EntityName derives an entity name from a storage table name.
// Example: "scored_labels" -> "ScoredLabel"
func (n *Namer) EntityName(table string) string {
	return ToPascalCase(n.Singularize(table))
}

// SingleFieldName is the root query field that fetches one entity by key.
// Example: "ScoredLabel" -> "scoredlabel"
func (n *Namer) SingleFieldName(entity string) string {
	return strings.ToLower(entity)
}

// ListFieldName is the root query field that lists entities.
// Example: "ScoredLabels" -> "scoredlabels"
func (n *Namer) ListFieldName(plural string) string {
	return strings.ToLower(plural)
}

// ManyToOneFieldName names a relationship after its foreign key column with
// the common suffixes stripped.
// Example: "feed_id" -> "feed", "original_article_id" -> "original_article"
func (n *Namer) ManyToOneFieldName(fkColumn string) string {
	name := fkColumn
	for _, suffix := range []string{"_id", "_fk"} {
		if strings.HasSuffix(strings.ToLower(name), suffix) {
			name = name[:len(name)-len(suffix)]
			break
		}
	}
	return name
}

// OneToManyFieldName names the reverse side of a foreign key. A table with a
// single foreign key to the parent uses its own name; otherwise the foreign key
// prefix disambiguates.
// Example: isOnlyFK=true: "articles" -> "articles"
// Example: isOnlyFK=false, fkColumn="original_article_id": "article_ties" -> "original_article_ties"
func (n *Namer) OneToManyFieldName(sourceTable, fkColumn string, isOnlyFK bool) string {
	plural := n.Pluralize(sourceTable)
	if isOnlyFK {
		return plural
	}
	prefix := n.ManyToOneFieldName(fkColumn)
	last := strings.LastIndex(plural, "_")
	return prefix + "_" + plural[last+1:]
}

// SafeName returns name, suffixed with "_" when it collides with a reserved word.
func (n *Namer) SafeName(name string) string {
	if IsReserved(name) {
		safeName := name + "_"
		n.logger.Warn("GraphQL name conflicts with reserved word, auto-suffixed",
			slog.String("original", name),
			slog.String("renamed", safeName),
		)
		return safeName
	}
	return name
}

// ToPascalCase converts snake_case to PascalCase
func ToPascalCase(s string) string {
	parts := strings.Split(s, "_")
	for i, part := range parts {
		if len(part) > 0 {
			parts[i] = strings.ToUpper(part[:1]) + part[1:]
		}
	}
	return strings.Join(parts, "")
}

// ToSnakeCase converts PascalCase or camelCase to snake_case.
// Runs of capitals are kept together: "HTTPFeed" -> "http_feed".
func ToSnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
