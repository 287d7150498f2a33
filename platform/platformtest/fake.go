// Package platformtest provides an in-memory platform.Adapter that
// records every call it receives.
package platformtest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"udapgw/platform"
	"udapgw/store"
	"udapgw/udap"
)

// Fake is a scriptable adapter. Zero value is ready to use.
type Fake struct {
	mu    sync.Mutex
	calls []string
	apps  map[string]platform.ClientRegistration
	idps  map[string]string
	next  int

	// Err, when set for a method name, is returned by that method.
	Err map[string]error
	// TieredClientID is what ValidateTieredOAuthRequest returns on success.
	TieredClientID string
}

var _ platform.Adapter = (*Fake)(nil)

func (f *Fake) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.apps == nil {
		f.apps = make(map[string]platform.ClientRegistration)
		f.idps = make(map[string]string)
	}
	name := call
	for i, r := range call {
		if r == ' ' {
			name = call[:i]
			break
		}
	}
	return f.Err[name]
}

// Calls returns the recorded calls as "Method arg" strings.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// App returns the stored registration for clientID.
func (f *Fake) App(clientID string) (platform.ClientRegistration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reg, ok := f.apps[clientID]
	return reg, ok
}

// AddIdp pre-registers an IDP.
func (f *Fake) AddIdp(uri, idpID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idps == nil {
		f.apps = make(map[string]platform.ClientRegistration)
		f.idps = make(map[string]string)
	}
	f.idps[uri] = idpID
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) CreateClientApp(_ context.Context, reg platform.ClientRegistration) (string, error) {
	if err := f.record("CreateClientApp " + reg.Name); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("client-%d", f.next)
	f.apps[id] = reg
	return id, nil
}

func (f *Fake) UpdateClientApp(_ context.Context, clientID string, reg platform.ClientRegistration) (string, error) {
	if err := f.record("UpdateClientApp " + clientID); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.apps[clientID]
	if !ok {
		return "", fmt.Errorf("client %s not found", clientID)
	}
	if existing.Family() != reg.Family() {
		return "", udap.InvalidRegistrationEdit(udap.CrossFamilyEditMessage)
	}
	f.apps[clientID] = reg
	return clientID, nil
}

func (f *Fake) DeleteClientApp(_ context.Context, clientID string) error {
	if err := f.record("DeleteClientApp " + clientID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.apps, clientID)
	return nil
}

func (f *Fake) ClientAppFamily(_ context.Context, clientID string) (string, error) {
	if err := f.record("ClientAppFamily " + clientID); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	reg, ok := f.apps[clientID]
	if !ok {
		return "", fmt.Errorf("client %s not found", clientID)
	}
	return reg.Family(), nil
}

func (f *Fake) GetIdpIDByURI(_ context.Context, uri string) (string, error) {
	if err := f.record("GetIdpIDByURI " + uri); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idps[uri], nil
}

func (f *Fake) CreateIdp(_ context.Context, detail platform.IdpDetail) (*platform.IdpRegistration, error) {
	if err := f.record("CreateIdp " + detail.IdpURI); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("idp-%d", f.next)
	f.idps[detail.IdpURI] = id
	return &platform.IdpRegistration{
		IdpID:       id,
		Credentials: store.Credentials{ClientID: "internal-" + id, ClientSecret: "secret-" + id},
	}, nil
}

func (f *Fake) TokenProxyHeaders(h http.Header) http.Header {
	out := h.Clone()
	out.Set("Host", "backend.test")
	return out
}

func (f *Fake) AuthorizeProxyDetails(h http.Header, q url.Values, idpID string) (http.Header, url.Values) {
	out := h.Clone()
	out.Set("Host", "backend.test")
	query := url.Values{}
	for k, v := range q {
		query[k] = append([]string(nil), v...)
	}
	if idpID != "" {
		query.Set("idp", idpID)
		query.Set("prompt", "login")
	}
	return out, query
}

func (f *Fake) ValidateTieredOAuthRequest(mapping *store.IdpMapping, form url.Values) (string, error) {
	if err := f.record("ValidateTieredOAuthRequest " + mapping.IdpID); err != nil {
		return "", err
	}
	if form.Get("client_id") != mapping.InternalCredentials.ClientID ||
		form.Get("client_secret") != mapping.InternalCredentials.ClientSecret {
		return "", udap.InvalidClientAuthentication("Invalid client authentication from the identity platform.")
	}
	if f.TieredClientID != "" {
		return f.TieredClientID, nil
	}
	return mapping.UpstreamClientID, nil
}
