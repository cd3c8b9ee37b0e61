// Package gqlrequest decodes GraphQL HTTP requests and derives the metadata
// the executor needs before running them: the selected operation, its
// selection depth and a stable operation hash for logs.
package gqlrequest

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"
)

// ErrEmptyQuery is returned when a request carries no document.
var ErrEmptyQuery = errors.New("request has no query")

// DepthError reports a document nested deeper than the configured limit.
type DepthError struct {
	Depth int
	Limit int
}

func (e *DepthError) Error() string {
	return fmt.Sprintf("query depth %d exceeds the limit of %d", e.Depth, e.Limit)
}

// Analysis is a decoded and parsed request.
type Analysis struct {
	Envelope Envelope

	Document  *ast.Document
	Fragments map[string]*ast.FragmentDefinition
	Operation *ast.OperationDefinition

	OperationName string
	OperationType string
	OperationHash string

	FieldCount     int
	SelectionDepth int

	DecodeError    error
	ParseError     error
	SelectionError error
}

// Err returns the first problem that prevents the request from executing.
func (a *Analysis) Err() error {
	switch {
	case a.DecodeError != nil:
		return a.DecodeError
	case strings.TrimSpace(a.Envelope.Query) == "":
		return ErrEmptyQuery
	case a.ParseError != nil:
		return a.ParseError
	case a.SelectionError != nil:
		return a.SelectionError
	}
	return nil
}

// CheckDepth returns a *DepthError when the selected operation nests deeper
// than limit. A non-positive limit disables the check.
func (a *Analysis) CheckDepth(limit int) error {
	if limit <= 0 || a.SelectionDepth <= limit {
		return nil
	}
	return &DepthError{Depth: a.SelectionDepth, Limit: limit}
}

// AnalyzeRequest decodes and analyzes an HTTP request.
func AnalyzeRequest(r *http.Request) *Analysis {
	return AnalyzeRequestLimit(r, DefaultMaxBodyBytes)
}

// AnalyzeRequestLimit is AnalyzeRequest with an explicit body limit.
func AnalyzeRequestLimit(r *http.Request, maxBody int64) *Analysis {
	envelope, err := DecodeEnvelopeLimit(r, maxBody)
	analysis := AnalyzeEnvelope(envelope)
	if err != nil {
		analysis.DecodeError = err
	}
	return analysis
}

// AnalyzeEnvelope parses the envelope's document and selects its operation.
func AnalyzeEnvelope(env Envelope) *Analysis {
	analysis := &Analysis{
		Envelope:  env,
		Fragments: map[string]*ast.FragmentDefinition{},
	}
	if strings.TrimSpace(env.Query) == "" {
		return analysis
	}

	doc, err := parser.Parse(parser.ParseParams{
		Source: source.NewSource(&source.Source{
			Body: []byte(env.Query),
			Name: "GraphQL request",
		}),
	})
	if err != nil {
		analysis.ParseError = err
		return analysis
	}
	analysis.Document = doc

	var operations []*ast.OperationDefinition
	for _, def := range doc.Definitions {
		switch d := def.(type) {
		case *ast.OperationDefinition:
			operations = append(operations, d)
		case *ast.FragmentDefinition:
			if d.Name != nil && d.Name.Value != "" {
				analysis.Fragments[d.Name.Value] = d
			}
		}
	}

	op, err := selectOperation(operations, env.OperationName)
	if err != nil {
		analysis.SelectionError = err
		return analysis
	}
	analysis.Operation = op
	analysis.OperationName = effectiveOperationName(op)
	analysis.OperationType = string(op.Operation)

	m := measurer{fragments: analysis.Fragments, expanding: map[string]bool{}}
	analysis.FieldCount, analysis.SelectionDepth = m.measure(op.SelectionSet, 1)

	if hash, err := operationHash(op, analysis.Fragments); err == nil {
		analysis.OperationHash = hash
	}
	return analysis
}

func selectOperation(operations []*ast.OperationDefinition, name string) (*ast.OperationDefinition, error) {
	if name != "" {
		for _, op := range operations {
			if op.Name != nil && op.Name.Value == name {
				return op, nil
			}
		}
		return nil, fmt.Errorf("unknown operation named %q", name)
	}
	switch len(operations) {
	case 0:
		return nil, fmt.Errorf("request does not include an operation")
	case 1:
		return operations[0], nil
	default:
		return nil, fmt.Errorf("operationName is required when request has multiple operations")
	}
}

// measurer counts fields and the deepest field nesting of a selection set.
// Fragments count at the depth they are spread into; a fragment spread
// inside itself is skipped.
type measurer struct {
	fragments map[string]*ast.FragmentDefinition
	expanding map[string]bool
}

func (m measurer) measure(set *ast.SelectionSet, depth int) (fields, maxDepth int) {
	if set == nil {
		return 0, depth - 1
	}
	maxDepth = depth
	visit := func(n, d int) {
		fields += n
		if d > maxDepth {
			maxDepth = d
		}
	}

	for _, selection := range set.Selections {
		switch sel := selection.(type) {
		case *ast.Field:
			fields++
			if sel.SelectionSet != nil {
				visit(m.measure(sel.SelectionSet, depth+1))
			}
		case *ast.InlineFragment:
			visit(m.measure(sel.SelectionSet, depth))
		case *ast.FragmentSpread:
			if sel.Name == nil || m.expanding[sel.Name.Value] {
				continue
			}
			fragment, ok := m.fragments[sel.Name.Value]
			if !ok {
				continue
			}
			m.expanding[sel.Name.Value] = true
			visit(m.measure(fragment.SelectionSet, depth))
			delete(m.expanding, sel.Name.Value)
		}
	}
	return fields, maxDepth
}
