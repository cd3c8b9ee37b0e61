// Package schemafilter applies allow/deny filters to introspected schema snapshots
// before an entity model is derived from them.
package schemafilter

import (
	"path"
	"slices"
	"strings"

	"relgraph/internal/introspection"
)

// Config controls allow/deny filters for tables and columns. Patterns are
// case-insensitive path.Match globs; the "*" key of a column map applies to
// every table.
type Config struct {
	AllowTables  []string            `mapstructure:"allow_tables"`
	DenyTables   []string            `mapstructure:"deny_tables"`
	AllowColumns map[string][]string `mapstructure:"allow_columns"`
	DenyColumns  map[string][]string `mapstructure:"deny_columns"`
}

// IsZero reports whether the config filters nothing.
func (c Config) IsZero() bool {
	return len(c.AllowTables) == 0 && len(c.DenyTables) == 0 &&
		len(c.AllowColumns) == 0 && len(c.DenyColumns) == 0
}

// Apply filters tables, columns and foreign keys in place.
// Missing allow lists default to allow-all; deny rules always win.
// A table that loses a primary key column is dropped, and a foreign key
// constraint that loses any of its columns is dropped whole.
func Apply(schema *introspection.Schema, cfg Config) {
	if schema == nil || cfg.IsZero() {
		return
	}

	kept := make([]introspection.Table, 0, len(schema.Tables))
	for _, table := range schema.Tables {
		if !tableAllowed(table.Name, cfg.AllowTables, cfg.DenyTables) {
			continue
		}
		columns := make([]introspection.Column, 0, len(table.Columns))
		for _, column := range table.Columns {
			if columnAllowed(table.Name, column.Name, cfg.AllowColumns, cfg.DenyColumns) {
				columns = append(columns, column)
			}
		}
		table.Columns = columns
		if len(columns) == 0 || !hasColumns(&table, table.PrimaryKey) {
			continue
		}
		kept = append(kept, table)
	}
	schema.Tables = kept

	for i := range schema.Tables {
		schema.Tables[i].ForeignKeys = filterForeignKeys(schema, &schema.Tables[i])
	}
}

func hasColumns(table *introspection.Table, names []string) bool {
	for _, name := range names {
		if _, ok := table.Column(name); !ok {
			return false
		}
	}
	return true
}

func filterForeignKeys(schema *introspection.Schema, table *introspection.Table) []introspection.ForeignKey {
	if len(table.ForeignKeys) == 0 {
		return nil
	}

	broken := make(map[string]bool)
	usable := func(fk introspection.ForeignKey) bool {
		if _, ok := table.Column(fk.ColumnName); !ok {
			return false
		}
		target, ok := schema.Table(fk.ReferencedTable)
		if !ok {
			return false
		}
		_, ok = target.Column(fk.ReferencedColumn)
		return ok
	}
	for _, fk := range table.ForeignKeys {
		if fk.ConstraintName != "" && !usable(fk) {
			broken[fk.ConstraintName] = true
		}
	}

	filtered := make([]introspection.ForeignKey, 0, len(table.ForeignKeys))
	for _, fk := range table.ForeignKeys {
		if broken[fk.ConstraintName] || !usable(fk) {
			continue
		}
		filtered = append(filtered, fk)
	}
	return filtered
}

func tableAllowed(table string, allow, deny []string) bool {
	if matchesAny(table, deny) {
		return false
	}
	if len(allow) == 0 {
		return true
	}
	return matchesAny(table, allow)
}

func columnAllowed(table, column string, allow, deny map[string][]string) bool {
	if matchesAny(column, mergePatterns(deny, table)) {
		return false
	}
	allowPatterns := mergePatterns(allow, table)
	if len(allowPatterns) == 0 {
		return true
	}
	return matchesAny(column, allowPatterns)
}

func mergePatterns(patterns map[string][]string, table string) []string {
	if patterns == nil {
		return nil
	}
	combined := append([]string{}, patterns["*"]...)
	for key, values := range patterns {
		if key != "*" && strings.EqualFold(key, table) {
			combined = append(combined, values...)
		}
	}
	return slices.Compact(combined)
}

func matchesAny(value string, patterns []string) bool {
	value = strings.ToLower(value)
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		ok, err := path.Match(strings.ToLower(pattern), value)
		if err != nil {
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// ValidPattern reports whether pattern is a well-formed glob.
func ValidPattern(pattern string) bool {
	_, err := path.Match(strings.ToLower(pattern), "probe")
	return err == nil
}
