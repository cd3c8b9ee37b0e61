package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"relgraph/internal/registry"
	"relgraph/internal/resolver"
	"relgraph/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	next storage.Store

	mu             sync.Mutex
	roots          int
	traversals     int
	failRoots      error
	failTraversals error
	blockRoots     bool
}

func (s *countingStore) Fetch(ctx context.Context, req storage.Request) ([]storage.Row, error) {
	s.mu.Lock()
	if req.Via == nil {
		s.roots++
		if s.blockRoots {
			s.mu.Unlock()
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if s.failRoots != nil {
			s.mu.Unlock()
			return nil, s.failRoots
		}
	} else {
		s.traversals++
		if s.failTraversals != nil {
			s.mu.Unlock()
			return nil, s.failTraversals
		}
	}
	s.mu.Unlock()
	return s.next.Fetch(ctx, req)
}

func (s *countingStore) FetchThroughAssociation(ctx context.Context, req storage.Request, association *registry.Entity) ([]storage.Row, error) {
	s.mu.Lock()
	s.traversals++
	s.mu.Unlock()
	return s.next.FetchThroughAssociation(ctx, req, association)
}

func newTestExecutor(t *testing.T, cfg Config) (*Executor, *countingStore) {
	t.Helper()
	reg, err := registry.New(registry.DefaultModel())
	require.NoError(t, err)
	mem, err := storage.LoadFixturesFile(reg, "../storage/testdata/news.yaml")
	require.NoError(t, err)
	store := &countingStore{next: mem}

	schema, err := resolver.New(reg, store, nil, resolver.Config{}).BuildGraphQLSchema()
	require.NoError(t, err)

	cfg.Store = store
	return New(schema, cfg), store
}

type response struct {
	Data   map[string]any `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func post(t *testing.T, h http.Handler, query string, variables map[string]any) (*httptest.ResponseRecorder, response) {
	t.Helper()
	body, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func TestFilteredRelationshipEndToEnd(t *testing.T) {
	exec, store := newTestExecutor(t, Config{})

	rec, resp := post(t, exec, `{ feeds { id articles(filter: {following__eq: true}) { id title } } }`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Empty(t, resp.Errors)

	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"feeds":[
		{"id":1,"articles":[{"id":11,"title":"Storm warning"}]},
		{"id":2,"articles":[]}
	]}`, string(data))

	assert.Equal(t, 1, store.roots)
	assert.Equal(t, 1, store.traversals)
}

func TestLookupMissingKeyReturnsNull(t *testing.T) {
	exec, _ := newTestExecutor(t, Config{})

	rec, resp := post(t, exec, `{ article(id: 999) { title } }`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, resp.Errors)
	require.Contains(t, resp.Data, "article")
	assert.Nil(t, resp.Data["article"])
}

func TestRejectedRequests(t *testing.T) {
	exec, store := newTestExecutor(t, Config{MaxDepth: 3})

	tests := []struct {
		name      string
		query     string
		variables map[string]any
		contains  string
	}{
		{name: "malformed id", query: `{ article(id: "abc") { title } }`, contains: "abc"},
		{name: "parse error", query: `{ article(id: 10) { title }`, contains: "Syntax Error"},
		{name: "unknown field", query: `{ article(id: 10) { headline } }`, contains: "headline"},
		{name: "empty document", query: ``, contains: "no query"},
		{name: "depth limit", query: `{ feeds { articles { feed { name } } } }`, contains: "exceeds the limit"},
		{
			name:      "variable coercion",
			query:     `query ($id: Int!) { article(id: $id) { title } }`,
			variables: map[string]any{"id": "ten"},
			contains:  "$id",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := post(t, exec, tt.query, tt.variables)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			require.NotEmpty(t, resp.Errors)
			assert.Contains(t, resp.Errors[0].Message, tt.contains)
			assert.Nil(t, resp.Data)
		})
	}
	assert.Zero(t, store.roots+store.traversals)
}

func TestFieldErrorKeepsPartialData(t *testing.T) {
	exec, store := newTestExecutor(t, Config{})
	store.failTraversals = errors.New("replica lagging")

	rec, resp := post(t, exec, `{ feeds { id articles { id } } }`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotEmpty(t, resp.Errors)
	assert.Contains(t, resp.Errors[0].Message, "replica lagging")

	feeds, ok := resp.Data["feeds"].([]any)
	require.True(t, ok)
	require.Len(t, feeds, 2)
	assert.Nil(t, feeds[0].(map[string]any)["articles"])
}

func TestRootFetchFailureIsExecutedResponse(t *testing.T) {
	exec, store := newTestExecutor(t, Config{})
	store.failRoots = errors.New("database unavailable")

	rec, resp := post(t, exec, `{ feeds { id } }`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotEmpty(t, resp.Errors)
	assert.Contains(t, resp.Errors[0].Message, "database unavailable")
	assert.Nil(t, resp.Data)
	assert.Equal(t, 1, store.roots)
}

func TestTimeoutDuringRootFetch(t *testing.T) {
	exec, store := newTestExecutor(t, Config{Timeout: 20 * time.Millisecond})
	store.blockRoots = true

	rec, resp := post(t, exec, `{ feeds { id } }`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotEmpty(t, resp.Errors)
	assert.Contains(t, resp.Errors[0].Message, "deadline exceeded")
	assert.Nil(t, resp.Data)
}

func TestMethodNotAllowed(t *testing.T) {
	exec, _ := newTestExecutor(t, Config{})

	req := httptest.NewRequest(http.MethodPut, "/graphql", strings.NewReader(`{"query":"{ feeds { id } }"}`))
	rec := httptest.NewRecorder()
	exec.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, POST", rec.Header().Get("Allow"))
}

func TestGetRequest(t *testing.T) {
	exec, _ := newTestExecutor(t, Config{})

	params := url.Values{}
	params.Set("query", `query ($id: Int!) { feed(id: $id) { name } }`)
	params.Set("variables", `{"id": 2}`)
	req := httptest.NewRequest(http.MethodGet, "/graphql?"+params.Encode(), nil)
	rec := httptest.NewRecorder()
	exec.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"data":{"feed":{"name":"Gazette"}}}`, rec.Body.String())
}

func TestGraphiQLPage(t *testing.T) {
	exec, _ := newTestExecutor(t, Config{GraphiQL: true})

	req := httptest.NewRequest(http.MethodGet, "/graphql", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	exec.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, strings.ToLower(string(body)), "graphiql")
}

func TestGraphiQLEnforcesDepthLimit(t *testing.T) {
	exec, store := newTestExecutor(t, Config{MaxDepth: 1, GraphiQL: true})

	query := `{ feeds { articles { feed { articles { id } } } } }`
	req := httptest.NewRequest(http.MethodGet, "/graphql?query="+url.QueryEscape(query), nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	exec.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "exceeds the limit")
	assert.Zero(t, store.roots+store.traversals)
}

func TestGraphiQLRunsShallowQuery(t *testing.T) {
	exec, store := newTestExecutor(t, Config{MaxDepth: 2, GraphiQL: true})

	req := httptest.NewRequest(http.MethodGet, "/graphql?query="+url.QueryEscape(`{ feeds { id } }`), nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	exec.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, store.roots)
}

func TestGraphiQLDisabledServesJSON(t *testing.T) {
	exec, _ := newTestExecutor(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/graphql?query="+url.QueryEscape(`{ feeds { id } }`), nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	exec.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}

func TestExecuteUsesFreshCachePerRequest(t *testing.T) {
	exec, store := newTestExecutor(t, Config{MaxConcurrentFlushes: 1})
	query := Request{Query: `{ articles { id feed { name } } }`}

	first := exec.Execute(context.Background(), query)
	require.Empty(t, first.Errors)
	second := exec.Execute(context.Background(), query)
	require.Empty(t, second.Errors)

	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, 2, store.traversals)
}

func TestExecuteCancelledContext(t *testing.T) {
	exec, _ := newTestExecutor(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := exec.Execute(ctx, Request{Query: `{ feeds { articles { id } } }`})
	assert.True(t, result.HasErrors())
}
