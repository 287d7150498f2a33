package registration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"udapgw/udap"
)

// Capabilities yields the server metadata registrations are checked
// against.
type Capabilities interface {
	Capabilities(ctx context.Context) (*udap.Metadata, error)
}

// StaticCapabilities serves a fixed document.
type StaticCapabilities udap.Metadata

func (s *StaticCapabilities) Capabilities(context.Context) (*udap.Metadata, error) {
	md := udap.Metadata(*s)
	return &md, nil
}

const capabilitiesKey = "capabilities"

// RemoteCapabilities reads the FHIR server's own /.well-known/udap. A
// positive TTL caches the document; zero fetches on every call.
type RemoteCapabilities struct {
	url    string
	client *http.Client
	cache  *cache.Cache
	ttl    time.Duration
}

// NewRemoteCapabilities builds a source for fhirBaseURL.
func NewRemoteCapabilities(fhirBaseURL string, client *http.Client, ttl time.Duration) *RemoteCapabilities {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	r := &RemoteCapabilities{
		url:    strings.TrimRight(fhirBaseURL, "/") + "/.well-known/udap",
		client: client,
		ttl:    ttl,
	}
	if ttl > 0 {
		r.cache = cache.New(ttl, 2*ttl)
	}
	return r
}

func (r *RemoteCapabilities) Capabilities(ctx context.Context) (*udap.Metadata, error) {
	if r.cache != nil {
		if v, ok := r.cache.Get(capabilitiesKey); ok {
			md := *v.(*udap.Metadata)
			return &md, nil
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch server capabilities: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch server capabilities: %s", resp.Status)
	}
	var md udap.Metadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&md); err != nil {
		return nil, fmt.Errorf("decode server capabilities: %w", err)
	}
	if r.cache != nil {
		stored := md
		r.cache.Set(capabilitiesKey, &stored, r.ttl)
	}
	return &md, nil
}
