package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/workmesh/exo/errors"
	"github.com/workmesh/exo/internal/httpclient"
)

// maxManifestSize caps a manifest download; anything larger is garbage.
const maxManifestSize = 1 << 20

// GatewayResolver resolves manifests through a chain gateway. Results are
// cached: manifests are immutable, so a TTL only bounds memory, not
// staleness of meaning.
type GatewayResolver struct {
	gatewayURL string
	client     *httpclient.SaferClient
	logger     *zap.SugaredLogger

	mu    sync.Mutex
	cache map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	manifest *Manifest
	fetched  time.Time
}

// NewGatewayResolver creates a resolver against the given chain gateway.
func NewGatewayResolver(gatewayURL string, timeout, cacheTTL time.Duration, logger *zap.SugaredLogger) *GatewayResolver {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &GatewayResolver{
		gatewayURL: gatewayURL,
		client:     httpclient.NewSaferClient(timeout),
		logger:     logger,
		cache:      make(map[string]cacheEntry),
		ttl:        cacheTTL,
	}
}

// SetClient replaces the HTTP client. Used by tests to reach httptest
// servers on localhost.
func (r *GatewayResolver) SetClient(client *httpclient.SaferClient) {
	r.client = client
}

// escrowDoc is the gateway's escrow lookup response.
type escrowDoc struct {
	EscrowAddress string `json:"escrow_address"`
	Status        string `json:"status"`
	ManifestURL   string `json:"manifest_url"`
}

// Resolve fetches the manifest for the given escrow, consulting the cache
// first. Any gateway or storage failure surfaces as a retryable external
// error; nothing is cached on failure.
func (r *GatewayResolver) Resolve(ctx context.Context, chainID int64, escrowAddress string) (*Manifest, error) {
	key := fmt.Sprintf("%d/%s", chainID, escrowAddress)

	r.mu.Lock()
	if entry, ok := r.cache[key]; ok && time.Since(entry.fetched) < r.ttl {
		r.mu.Unlock()
		return entry.manifest, nil
	}
	r.mu.Unlock()

	escrow, err := r.fetchEscrow(ctx, chainID, escrowAddress)
	if err != nil {
		return nil, err
	}
	if escrow.ManifestURL == "" {
		return nil, errors.WrapExternal(
			errors.Newf("escrow %s has no manifest URL", escrowAddress), "resolve manifest")
	}

	manifest, err := r.fetchManifest(ctx, escrow.ManifestURL)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{manifest: manifest, fetched: time.Now()}
	r.mu.Unlock()

	r.logger.Debugw("Manifest resolved",
		"chain_id", chainID,
		"escrow_address", escrowAddress,
		"job_type", manifest.JobType,
		"max_assignment_duration", manifest.MaxAssignmentDuration,
	)
	return manifest, nil
}

func (r *GatewayResolver) fetchEscrow(ctx context.Context, chainID int64, escrowAddress string) (*escrowDoc, error) {
	url := fmt.Sprintf("%s/escrow/%d/%s", r.gatewayURL, chainID, escrowAddress)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build escrow request")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.WrapExternal(err, "fetch escrow")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.WrapExternal(
			errors.Newf("gateway returned %d for escrow %s", resp.StatusCode, escrowAddress),
			"fetch escrow")
	}

	var escrow escrowDoc
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxManifestSize)).Decode(&escrow); err != nil {
		return nil, errors.WrapExternal(err, "decode escrow")
	}
	return &escrow, nil
}

func (r *GatewayResolver) fetchManifest(ctx context.Context, manifestURL string) (*Manifest, error) {
	// The URL comes from chain data, not operator config: validate it
	if _, err := r.client.ValidateURL(manifestURL); err != nil {
		return nil, errors.WrapExternal(err, "manifest URL rejected")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build manifest request")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.WrapExternal(err, "fetch manifest")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.WrapExternal(
			errors.Newf("storage returned %d for manifest", resp.StatusCode),
			"fetch manifest")
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, errors.WrapExternal(err, "read manifest")
	}

	manifest, err := Parse(data)
	if err != nil {
		return nil, errors.WrapExternal(err, "parse manifest")
	}
	return manifest, nil
}
