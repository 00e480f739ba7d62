package chain

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// RegistryClient updates and reads the on-chain model registry object.
// Signing happens inside the registry gateway; this client only carries an
// injected bearer credential, it never holds key material.
type RegistryClient struct {
	rpc       *Client
	packageID string
	objectID  string
	token     string
	log       zerolog.Logger
}

// NewRegistryClient creates a registry client. All identifiers are validated
// at config load; an empty token here means the caller misconfigured startup.
func NewRegistryClient(rpc *Client, packageID, objectID, token string, log zerolog.Logger) (*RegistryClient, error) {
	if packageID == "" || objectID == "" {
		return nil, fmt.Errorf("registry package and object IDs are required")
	}
	if token == "" {
		return nil, fmt.Errorf("registry credential is required")
	}
	return &RegistryClient{
		rpc:       rpc,
		packageID: packageID,
		objectID:  objectID,
		token:     token,
		log:       log.With().Str("client", "registry").Logger(),
	}, nil
}

type registryCall struct {
	Package  string `json:"package"`
	Module   string `json:"module"`
	Function string `json:"function"`
	Object   string `json:"object"`
	Argument string `json:"argument,omitempty"`
	Token    string `json:"token"`
}

type updateResult struct {
	Digest string `json:"digest"`
	Status string `json:"status"`
}

type latestResult struct {
	BlobID string `json:"blobId"`
}

// UpdateCID records a newly published archive identifier in the registry.
// Returns the digest of the registry transaction.
func (r *RegistryClient) UpdateCID(ctx context.Context, cid string) (string, error) {
	call := registryCall{
		Package:  r.packageID,
		Module:   "model_bundle",
		Function: "update_blob",
		Object:   r.objectID,
		Argument: cid,
		Token:    r.token,
	}

	var result updateResult
	if err := r.rpc.call(ctx, "executeRegistryCall", []interface{}{call}, &result); err != nil {
		return "", fmt.Errorf("registry update failed: %w", err)
	}
	if result.Status != "" && result.Status != "success" {
		return "", fmt.Errorf("registry update rejected: %s", result.Status)
	}

	r.log.Info().
		Str("cid", truncate(cid, 20)).
		Str("digest", result.Digest).
		Msg("Registry updated with new archive identifier")

	return result.Digest, nil
}

// LatestCID reads the most recently registered archive identifier, so a
// fresh process can reload the current ensemble.
func (r *RegistryClient) LatestCID(ctx context.Context) (string, error) {
	call := registryCall{
		Package:  r.packageID,
		Module:   "model_bundle",
		Function: "get_latest_blob",
		Object:   r.objectID,
		Token:    r.token,
	}

	var result latestResult
	if err := r.rpc.call(ctx, "inspectRegistryCall", []interface{}{call}, &result); err != nil {
		return "", fmt.Errorf("registry read failed: %w", err)
	}
	if result.BlobID == "" {
		return "", fmt.Errorf("registry holds no archive identifier")
	}

	return result.BlobID, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
