package sqlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"articles", "`articles`"},
		{"scored_labels", "`scored_labels`"},
		{"select", "`select`"},         // reserved word
		{"first name", "`first name`"}, // space in name
		{"user`data", "`user``data`"},  // backtick in name
		{"a`b`c", "`a``b``c`"},
		{"", "``"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, QuoteIdentifier(tt.input))
		})
	}
}

func TestQualifiedColumn(t *testing.T) {
	assert.Equal(t, "`articles`.`feed_id`", QualifiedColumn("articles", "feed_id"))
	assert.Equal(t, "`__owner`.`id`", QualifiedColumn("__owner", "id"))
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `100\%`, EscapeLike("100%"))
	assert.Equal(t, `snake\_case`, EscapeLike("snake_case"))
	assert.Equal(t, `a\\b`, EscapeLike(`a\b`))
	assert.Equal(t, "plain", EscapeLike("plain"))
}
