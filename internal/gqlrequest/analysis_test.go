package gqlrequest

import (
	"errors"
	"testing"
)

func TestAnalyzeEnvelope(t *testing.T) {
	tests := []struct {
		name             string
		query            string
		operationName    string
		wantType         string
		wantName         string
		wantFields       int
		wantDepth        int
		wantParseErr     bool
		wantSelectionErr bool
	}{
		{
			name:       "anonymous query",
			query:      `{ feeds { id articles { id title } } }`,
			wantType:   "query",
			wantName:   "<anonymous>",
			wantFields: 5,
			wantDepth:  3,
		},
		{
			name: "named operation among several",
			query: `
				query Feeds { feeds { id } }
				query Articles { articles { id feed { name } } }
			`,
			operationName: "Articles",
			wantType:      "query",
			wantName:      "Articles",
			wantFields:    4,
			wantDepth:     3,
		},
		{
			name: "fragments count at their spread depth",
			query: `
				query { article(id: 1) { ...ArticleParts } }
				fragment ArticleParts on Article { id feed { name } }
			`,
			wantType:   "query",
			wantName:   "<anonymous>",
			wantFields: 4,
			wantDepth:  3,
		},
		{
			name: "self-referencing fragment terminates",
			query: `
				query { article(id: 1) { ...Loop } }
				fragment Loop on Article { id ...Loop }
			`,
			wantType:   "query",
			wantName:   "<anonymous>",
			wantFields: 2,
			wantDepth:  2,
		},
		{
			name: "several operations without a name",
			query: `
				query A { feeds { id } }
				query B { articles { id } }
			`,
			wantSelectionErr: true,
		},
		{
			name:             "unknown operation name",
			query:            `query A { feeds { id } }`,
			operationName:    "B",
			wantSelectionErr: true,
		},
		{
			name:         "malformed",
			query:        `query { feeds { `,
			wantParseErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := AnalyzeEnvelope(Envelope{Query: tt.query, OperationName: tt.operationName})
			if (a.ParseError != nil) != tt.wantParseErr {
				t.Fatalf("ParseError = %v, want error %v", a.ParseError, tt.wantParseErr)
			}
			if (a.SelectionError != nil) != tt.wantSelectionErr {
				t.Fatalf("SelectionError = %v, want error %v", a.SelectionError, tt.wantSelectionErr)
			}
			if tt.wantParseErr || tt.wantSelectionErr {
				if a.Err() == nil {
					t.Fatalf("Err() = nil, want error")
				}
				return
			}
			if a.Err() != nil {
				t.Fatalf("Err() = %v", a.Err())
			}
			if a.OperationType != tt.wantType {
				t.Errorf("OperationType = %q, want %q", a.OperationType, tt.wantType)
			}
			if a.OperationName != tt.wantName {
				t.Errorf("OperationName = %q, want %q", a.OperationName, tt.wantName)
			}
			if a.FieldCount != tt.wantFields {
				t.Errorf("FieldCount = %d, want %d", a.FieldCount, tt.wantFields)
			}
			if a.SelectionDepth != tt.wantDepth {
				t.Errorf("SelectionDepth = %d, want %d", a.SelectionDepth, tt.wantDepth)
			}
			if a.OperationHash == "" {
				t.Errorf("expected an operation hash")
			}
		})
	}
}

func TestAnalyzeEnvelopeEmptyQuery(t *testing.T) {
	a := AnalyzeEnvelope(Envelope{Query: "   "})
	if !errors.Is(a.Err(), ErrEmptyQuery) {
		t.Fatalf("Err() = %v, want ErrEmptyQuery", a.Err())
	}
}

func TestOperationHashIgnoresFormatting(t *testing.T) {
	a := AnalyzeEnvelope(Envelope{Query: `{ feeds { id } }`})
	b := AnalyzeEnvelope(Envelope{Query: "query {\n  feeds {\n    id\n  }\n}"})
	c := AnalyzeEnvelope(Envelope{Query: `{ feeds { name } }`})
	if a.OperationHash != b.OperationHash {
		t.Fatalf("hash differs across formatting: %s vs %s", a.OperationHash, b.OperationHash)
	}
	if a.OperationHash == c.OperationHash {
		t.Fatalf("different selections share a hash")
	}
}

func TestCheckDepth(t *testing.T) {
	a := AnalyzeEnvelope(Envelope{Query: `{ feeds { articles { feed { id } } } }`})
	if a.SelectionDepth != 4 {
		t.Fatalf("SelectionDepth = %d, want 4", a.SelectionDepth)
	}
	if err := a.CheckDepth(4); err != nil {
		t.Fatalf("CheckDepth(4) = %v", err)
	}
	if err := a.CheckDepth(0); err != nil {
		t.Fatalf("CheckDepth(0) = %v", err)
	}
	err := a.CheckDepth(3)
	var depthErr *DepthError
	if !errors.As(err, &depthErr) {
		t.Fatalf("CheckDepth(3) = %v, want *DepthError", err)
	}
	if depthErr.Depth != 4 || depthErr.Limit != 3 {
		t.Fatalf("DepthError = %+v", depthErr)
	}
}
