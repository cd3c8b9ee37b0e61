package gqlrequest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// DefaultMaxBodyBytes bounds POST bodies read by DecodeEnvelope.
const DefaultMaxBodyBytes = 1 << 20

// ErrMethodNotAllowed is returned for methods other than GET and POST.
var ErrMethodNotAllowed = errors.New("graphql requests must use GET or POST")

// Envelope is the normalized GraphQL payload of an HTTP request.
type Envelope struct {
	Method      string
	ContentType string

	Query         string
	OperationName string
	Variables     map[string]interface{}

	DocumentSizeBytes int
}

// DecodeEnvelope extracts the query, operation name and variables from a GET
// query string or a POST body (application/json or application/graphql).
// The body is rewound so later handlers can read it again.
func DecodeEnvelope(r *http.Request) (Envelope, error) {
	return DecodeEnvelopeLimit(r, DefaultMaxBodyBytes)
}

// DecodeEnvelopeLimit is DecodeEnvelope with an explicit body limit.
func DecodeEnvelopeLimit(r *http.Request, maxBody int64) (Envelope, error) {
	if r == nil {
		return Envelope{}, fmt.Errorf("request is nil")
	}

	env := Envelope{
		Method:      r.Method,
		ContentType: r.Header.Get("Content-Type"),
	}

	switch r.Method {
	case http.MethodGet:
		params := r.URL.Query()
		env.Query = params.Get("query")
		env.OperationName = params.Get("operationName")
		env.DocumentSizeBytes = len(env.Query)
		vars, err := decodeVariables([]byte(params.Get("variables")))
		if err != nil {
			return env, err
		}
		env.Variables = vars
		return env, nil
	case http.MethodPost:
	default:
		return env, ErrMethodNotAllowed
	}

	if r.Body == nil {
		return env, nil
	}
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return env, err
	}
	if int64(len(body)) > maxBody {
		return env, fmt.Errorf("request body exceeds %d bytes", maxBody)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	mediaType, _, parseErr := mime.ParseMediaType(env.ContentType)
	if parseErr != nil || mediaType == "" {
		mediaType = strings.TrimSpace(env.ContentType)
	}

	if mediaType == "application/graphql" {
		env.Query = string(body)
		env.DocumentSizeBytes = len(env.Query)
		return env, nil
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return env, nil
	}
	var payload struct {
		Query         string          `json:"query"`
		OperationName string          `json:"operationName"`
		Variables     json.RawMessage `json:"variables"`
	}
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return env, fmt.Errorf("invalid request body: %w", err)
	}
	env.Query = payload.Query
	env.OperationName = payload.OperationName
	env.DocumentSizeBytes = len(env.Query)
	vars, err := decodeVariables(payload.Variables)
	if err != nil {
		return env, err
	}
	env.Variables = vars
	return env, nil
}

// decodeVariables accepts an absent value, null, or a JSON object.
func decodeVariables(raw []byte) (map[string]interface{}, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var vars map[string]interface{}
	if err := json.Unmarshal(raw, &vars); err != nil {
		return nil, fmt.Errorf("variables must be a JSON object: %w", err)
	}
	return vars, nil
}
