package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workmesh/exo/errors"
)

func TestHTTPClientCalls(t *testing.T) {
	type call struct {
		method string
		path   string
		auth   string
	}
	var calls []call

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, call{r.Method, r.URL.Path, r.Header.Get("Authorization")})
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	client := NewHTTPClient(server.URL, "sekrit", 5*time.Second, 0, nil)
	ctx := context.Background()

	require.NoError(t, client.ClearAnnotations(ctx, 42))
	require.NoError(t, client.Restart(ctx, 42))
	require.NoError(t, client.Reassign(ctx, 42, 7))

	require.Len(t, calls, 3)
	assert.Equal(t, call{"DELETE", "/jobs/42/annotations", "Bearer sekrit"}, calls[0])
	assert.Equal(t, call{"POST", "/jobs/42/restart", "Bearer sekrit"}, calls[1])
	assert.Equal(t, call{"PUT", "/jobs/42/assignee", "Bearer sekrit"}, calls[2])
}

func TestHTTPClientErrorStatusIsExternal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "job locked", http.StatusConflict)
	}))
	t.Cleanup(server.Close)

	client := NewHTTPClient(server.URL, "", 5*time.Second, 0, nil)
	err := client.Restart(context.Background(), 42)
	require.Error(t, err)
	assert.True(t, errors.IsExternalError(err))
}

func TestHTTPClientConnectionRefusedIsExternal(t *testing.T) {
	client := NewHTTPClient("http://127.0.0.1:1", "", time.Second, 0, nil)
	err := client.ClearAnnotations(context.Background(), 42)
	require.Error(t, err)
	assert.True(t, errors.IsExternalError(err))
}
