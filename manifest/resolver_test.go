package manifest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workmesh/exo/errors"
	"github.com/workmesh/exo/internal/httpclient"
)

const manifestJSON = `{
	"job_type": "image_boxes",
	"job_bounty": "1000000000000000000",
	"annotation": {"max_time": 1800}
}`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(manifestJSON))
	require.NoError(t, err)
	assert.Equal(t, "image_boxes", m.JobType)
	assert.Equal(t, 30*time.Minute, m.MaxAssignmentDuration)
	assert.Equal(t, "1000000000000000000", m.JobBounty)
}

func TestParseRejectsMissingMaxTime(t *testing.T) {
	_, err := Parse([]byte(`{"job_type": "image_boxes"}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`not json`))
	assert.Error(t, err)
}

func newTestResolver(t *testing.T, escrowHits, manifestHits *atomic.Int64) *GatewayResolver {
	t.Helper()

	mux := http.NewServeMux()
	storage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if manifestHits != nil {
			manifestHits.Add(1)
		}
		fmt.Fprint(w, manifestJSON)
	}))
	t.Cleanup(storage.Close)

	mux.HandleFunc("/escrow/", func(w http.ResponseWriter, r *http.Request) {
		if escrowHits != nil {
			escrowHits.Add(1)
		}
		fmt.Fprintf(w, `{"escrow_address": "0xescrow", "status": "Pending", "manifest_url": %q}`,
			storage.URL+"/manifest.json")
	})
	gateway := httptest.NewServer(mux)
	t.Cleanup(gateway.Close)

	resolver := NewGatewayResolver(gateway.URL, 5*time.Second, 15*time.Minute, nil)
	resolver.SetClient(httpclient.WrapClient(gateway.Client()))
	return resolver
}

func TestResolve(t *testing.T) {
	resolver := newTestResolver(t, nil, nil)

	m, err := resolver.Resolve(context.Background(), 80001, "0xescrow")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, m.MaxAssignmentDuration)
}

func TestResolveCaches(t *testing.T) {
	var escrowHits, manifestHits atomic.Int64
	resolver := newTestResolver(t, &escrowHits, &manifestHits)

	for i := 0; i < 3; i++ {
		_, err := resolver.Resolve(context.Background(), 80001, "0xescrow")
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), escrowHits.Load())
	assert.Equal(t, int64(1), manifestHits.Load())
}

func TestResolveGatewayFailureIsExternal(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	t.Cleanup(gateway.Close)

	resolver := NewGatewayResolver(gateway.URL, 5*time.Second, time.Minute, nil)
	resolver.SetClient(httpclient.WrapClient(gateway.Client()))

	_, err := resolver.Resolve(context.Background(), 80001, "0xescrow")
	require.Error(t, err)
	assert.True(t, errors.IsExternalError(err))
}
