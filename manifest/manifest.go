// Package manifest resolves immutable per-project job configuration.
//
// A project's manifest lives in object storage; the escrow record on chain
// carries its URL. Resolution is a two-hop fetch: escrow lookup against the
// chain gateway, then manifest download from the URL the escrow names.
package manifest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/workmesh/exo/errors"
)

// Manifest is the parsed job configuration. Immutable.
type Manifest struct {
	JobType string

	// MaxAssignmentDuration bounds how long a worker may hold one
	// assignment. Fixed at assignment creation, never extended.
	MaxAssignmentDuration time.Duration

	// JobBounty is the reward per completed job, in token base units.
	JobBounty string
}

// Resolver resolves a project's manifest.
type Resolver interface {
	Resolve(ctx context.Context, chainID int64, escrowAddress string) (*Manifest, error)
}

// wire shapes, mirroring the manifest JSON in storage

type manifestDoc struct {
	JobType    string        `json:"job_type"`
	JobBounty  string        `json:"job_bounty"`
	Annotation annotationDoc `json:"annotation"`
}

type annotationDoc struct {
	MaxTimeSeconds int64 `json:"max_time"`
}

// Parse decodes and validates raw manifest JSON.
func Parse(data []byte) (*Manifest, error) {
	var doc manifestDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to decode manifest")
	}
	if doc.Annotation.MaxTimeSeconds <= 0 {
		return nil, errors.Newf("manifest has invalid annotation.max_time: %d", doc.Annotation.MaxTimeSeconds)
	}

	return &Manifest{
		JobType:               doc.JobType,
		MaxAssignmentDuration: time.Duration(doc.Annotation.MaxTimeSeconds) * time.Second,
		JobBounty:             doc.JobBounty,
	}, nil
}
