package repo

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
)

type graphCall struct {
	cypher string
	params map[string]any
}

type fakeGraph struct {
	calls   []graphCall
	respond func(cypher string, params map[string]any) ([]map[string]any, error)
}

func (f *fakeGraph) Run(_ context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	f.calls = append(f.calls, graphCall{cypher: cypher, params: params})
	if f.respond == nil {
		return nil, nil
	}
	return f.respond(cypher, params)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
