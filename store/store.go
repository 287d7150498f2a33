// Package store persists the gateway's registries: SAN to backend client
// id, backend IDP id to federation credentials, and upstream IDP URI to
// the instance registering it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-jose/go-jose/v3"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	// ErrNotOwner is returned when a claim is held by someone else.
	ErrNotOwner = errors.New("store: claim held by another owner")
)

// SanEntry maps a registered client's SAN to its backend application.
type SanEntry struct {
	SAN      string `json:"subject_alternative_name"`
	ClientID string `json:"client_application_id"`
	// GrantFamily is recorded at create time. Older entries may lack it.
	GrantFamily string `json:"grant_family,omitempty"`
}

// Credentials let the gateway authenticate the backend platform when it
// calls the tiered token client. Which fields are set depends on the
// platform.
type Credentials struct {
	ClientID     string           `json:"client_id,omitempty"`
	ClientSecret string           `json:"client_secret,omitempty"`
	PublicKey    *jose.JSONWebKey `json:"public_key,omitempty"`
}

// IdpMapping records a federated upstream IDP.
type IdpMapping struct {
	IdpID               string      `json:"idp_id"`
	IdpBaseURL          string      `json:"idp_base_url"`
	InternalCredentials Credentials `json:"internal_credentials"`
	UpstreamClientID    string      `json:"upstream_client_id,omitempty"`
	TokenEndpoint       string      `json:"token_endpoint,omitempty"`
}

// IdpClaim reserves an upstream IDP URI while one gateway instance
// registers it with the backend. A claim without IdpID is pending and
// lapses at ExpiresAt; once IdpID is recorded the claim is permanent.
type IdpClaim struct {
	IdpURI    string    `json:"idp_uri"`
	Owner     string    `json:"owner"`
	IdpID     string    `json:"idp_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Pending reports whether the owner is still registering.
func (c *IdpClaim) Pending() bool { return c.IdpID == "" }

func (c *IdpClaim) lapsed(now time.Time) bool {
	return c.Pending() && !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Store is the mapping store contract. Put operations are conditional:
// they return ErrAlreadyExists when the key is present and never
// overwrite. Lookups return ErrNotFound on a miss.
type Store interface {
	GetIdpMapping(ctx context.Context, idpID string) (*IdpMapping, error)
	PutIdpMapping(ctx context.Context, mapping IdpMapping) error
	GetSanEntry(ctx context.Context, san string) (*SanEntry, error)
	PutSanEntry(ctx context.Context, entry SanEntry) error
	DeleteSanEntry(ctx context.Context, san string) error

	// ClaimIdpURI stores claim unless a live claim exists for its URI.
	ClaimIdpURI(ctx context.Context, claim IdpClaim) error
	// GetIdpClaim treats a lapsed pending claim as missing.
	GetIdpClaim(ctx context.Context, idpURI string) (*IdpClaim, error)
	// CompleteIdpClaim records idpID on the claim held by owner.
	CompleteIdpClaim(ctx context.Context, idpURI, owner, idpID string) error
	// ReleaseIdpClaim drops a pending claim held by owner.
	ReleaseIdpClaim(ctx context.Context, idpURI, owner string) error

	Close() error
}
