// Package sqlutil provides SQL utility functions.
package sqlutil

import "strings"

// QuoteIdentifier quotes a SQL identifier (table name, column name, etc.)
// with backticks and escapes any backticks within the identifier.
func QuoteIdentifier(name string) string {
	escaped := strings.ReplaceAll(name, "`", "``")
	return "`" + escaped + "`"
}

// QualifiedColumn renders `table`.`column`.
func QualifiedColumn(table, column string) string {
	return QuoteIdentifier(table) + "." + QuoteIdentifier(column)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// EscapeLike escapes LIKE wildcards so s matches literally. MySQL uses
// backslash as the default LIKE escape character.
func EscapeLike(s string) string {
	return likeEscaper.Replace(s)
}
