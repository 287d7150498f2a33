package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"udapgw/platform"
	"udapgw/store"
	"udapgw/udap"
)

// Operations reported in results and metrics.
const (
	OpCreate = "create"
	OpEdit   = "edit"
	OpDelete = "delete"
)

// Request is the body of a registration call.
type Request struct {
	SoftwareStatement string `json:"software_statement"`
	// UDAP carries the version marker as sent, string or number.
	UDAP           json.RawMessage `json:"udap,omitempty"`
	Certifications []string        `json:"certifications,omitempty"`
}

// Result is a successful registration outcome.
type Result struct {
	Operation string
	Status    int
	ClientID  string
	Body      map[string]any
}

// Engine runs the client lifecycle for one SAN: a registry miss creates,
// a hit with grant types edits, a hit without grant types deletes.
type Engine struct {
	Validator *udap.Validator
	Policy    *Policy
	Adapter   platform.Adapter
	Store     store.Store
	// Audience is the public registration endpoint statements must target.
	Audience string
	Logger   *slog.Logger
}

// Register processes one software statement.
func (e *Engine) Register(ctx context.Context, req Request) (*Result, error) {
	stmt, err := e.Validator.VerifySoftwareStatement(req.SoftwareStatement, e.Audience)
	if err != nil {
		return nil, err
	}
	jwks, err := udap.PublicKeyJWKS(stmt.JWT)
	if err != nil {
		return nil, fmt.Errorf("extract client jwks: %w", err)
	}
	reg := platform.RegistrationFromStatement(stmt, jwks)
	san := stmt.Issuer

	entry, err := e.Store.GetSanEntry(ctx, san)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return e.create(ctx, stmt, reg)
	case err != nil:
		return nil, fmt.Errorf("san registry lookup: %w", err)
	}
	if len(stmt.GrantTypes) == 0 {
		return e.delete(ctx, stmt, entry)
	}
	return e.edit(ctx, stmt, reg, entry)
}

func (e *Engine) create(ctx context.Context, stmt *udap.SoftwareStatement, reg platform.ClientRegistration) (*Result, error) {
	if err := e.Policy.Validate(ctx, stmt, ModeCreate); err != nil {
		return nil, err
	}
	clientID, err := e.Adapter.CreateClientApp(ctx, reg)
	if err != nil {
		if clientID != "" {
			e.Logger.Error("tdcr.orphaned_client", "san", stmt.Issuer, "client_id", clientID, "error", err)
		}
		return nil, fmt.Errorf("create client app: %w", err)
	}
	entry := store.SanEntry{SAN: stmt.Issuer, ClientID: clientID, GrantFamily: stmt.Family()}
	err = e.Store.PutSanEntry(ctx, entry)
	if errors.Is(err, store.ErrAlreadyExists) {
		// A concurrent request registered this SAN first. Drop our app
		// and apply the statement to the winner's registration.
		e.Logger.Warn("tdcr.create_race", "san", stmt.Issuer, "orphan_client_id", clientID)
		if delErr := e.Adapter.DeleteClientApp(ctx, clientID); delErr != nil {
			e.Logger.Error("tdcr.orphaned_client", "san", stmt.Issuer, "client_id", clientID, "error", delErr)
		}
		existing, getErr := e.Store.GetSanEntry(ctx, stmt.Issuer)
		if getErr != nil {
			return nil, fmt.Errorf("san registry lookup after race: %w", getErr)
		}
		return e.edit(ctx, stmt, reg, existing)
	}
	if err != nil {
		e.Logger.Error("tdcr.orphaned_client", "san", stmt.Issuer, "client_id", clientID, "error", err)
		return nil, fmt.Errorf("san registry put: %w", err)
	}
	e.Logger.Info("tdcr.create", "san", stmt.Issuer, "client_id", clientID, "family", entry.GrantFamily)
	return e.result(OpCreate, http.StatusCreated, clientID, stmt), nil
}

func (e *Engine) edit(ctx context.Context, stmt *udap.SoftwareStatement, reg platform.ClientRegistration, entry *store.SanEntry) (*Result, error) {
	family := entry.GrantFamily
	if family == "" {
		f, err := e.Adapter.ClientAppFamily(ctx, entry.ClientID)
		if err != nil {
			return nil, fmt.Errorf("client app family: %w", err)
		}
		family = f
	}
	if family != stmt.Family() {
		return nil, udap.InvalidRegistrationEdit(udap.CrossFamilyEditMessage)
	}
	if err := e.Policy.Validate(ctx, stmt, ModeEdit); err != nil {
		return nil, err
	}
	clientID, err := e.Adapter.UpdateClientApp(ctx, entry.ClientID, reg)
	if err != nil {
		return nil, fmt.Errorf("update client app: %w", err)
	}
	e.Logger.Info("tdcr.edit", "san", stmt.Issuer, "client_id", clientID)
	return e.result(OpEdit, http.StatusOK, clientID, stmt), nil
}

func (e *Engine) delete(ctx context.Context, stmt *udap.SoftwareStatement, entry *store.SanEntry) (*Result, error) {
	if err := e.Adapter.DeleteClientApp(ctx, entry.ClientID); err != nil {
		return nil, fmt.Errorf("delete client app: %w", err)
	}
	if err := e.Store.DeleteSanEntry(ctx, entry.SAN); err != nil {
		return nil, fmt.Errorf("san registry delete: %w", err)
	}
	e.Logger.Info("tdcr.delete", "san", stmt.Issuer, "client_id", entry.ClientID)
	return e.result(OpDelete, http.StatusOK, entry.ClientID, stmt), nil
}

func (e *Engine) result(op string, status int, clientID string, stmt *udap.SoftwareStatement) *Result {
	body := make(map[string]any, len(stmt.Claims)+2)
	for k, v := range stmt.Claims {
		body[k] = v
	}
	body["client_id"] = clientID
	body["software_statement"] = stmt.JWT.Raw
	return &Result{Operation: op, Status: status, ClientID: clientID, Body: body}
}
