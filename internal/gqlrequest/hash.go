package gqlrequest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/printer"
)

const anonymousOperationName = "<anonymous>"

// operationHash hashes the printed operation together with the fragments it
// references, so formatting differences do not change the hash.
func operationHash(op *ast.OperationDefinition, fragments map[string]*ast.FragmentDefinition) (string, error) {
	names := map[string]bool{}
	collectFragmentNames(op.SelectionSet, fragments, names)
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	definitions := []ast.Node{op}
	for _, name := range sorted {
		definitions = append(definitions, fragments[name])
	}

	printed, ok := printer.Print(ast.NewDocument(&ast.Document{Definitions: definitions})).(string)
	if !ok {
		return "", fmt.Errorf("unexpected printer output")
	}

	hash := sha256.New()
	for _, part := range []string{printed, effectiveOperationName(op)} {
		_, _ = fmt.Fprintf(hash, "%d:%s|", len(part), part)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func collectFragmentNames(set *ast.SelectionSet, fragments map[string]*ast.FragmentDefinition, seen map[string]bool) {
	if set == nil {
		return
	}
	for _, selection := range set.Selections {
		switch sel := selection.(type) {
		case *ast.Field:
			collectFragmentNames(sel.SelectionSet, fragments, seen)
		case *ast.InlineFragment:
			collectFragmentNames(sel.SelectionSet, fragments, seen)
		case *ast.FragmentSpread:
			if sel.Name == nil || seen[sel.Name.Value] {
				continue
			}
			fragment, ok := fragments[sel.Name.Value]
			if !ok {
				continue
			}
			seen[sel.Name.Value] = true
			collectFragmentNames(fragment.SelectionSet, fragments, seen)
		}
	}
}

func effectiveOperationName(op *ast.OperationDefinition) string {
	if op == nil || op.Name == nil || op.Name.Value == "" {
		return anonymousOperationName
	}
	return op.Name.Value
}
