package udap

import (
	"errors"
	"fmt"
)

// OAuth2 / RFC 7591 error codes surfaced by the gateway.
const (
	CodeInvalidSoftwareStatement    = "invalid_software_statement"
	CodeInvalidClientMetadata       = "invalid_client_metadata"
	CodeInvalidRegistrationEdit     = "invalid_registration_edit"
	CodeInvalidClientAuthentication = "invalid_client_authentication"
	CodeInvalidRequest              = "invalid_request"
	CodeInvalidIdp                  = "invalid_idp"
	CodeUnableToRegister            = "unable_to_register"
)

// Error is a coded failure that is rendered to callers as an OAuth2 error
// body. Anything that is not an *Error is treated as an unknown failure.
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

func InvalidSoftwareStatement(msg string) *Error {
	return newError(CodeInvalidSoftwareStatement, msg, nil)
}

func InvalidClientMetadata(msg string) *Error {
	return newError(CodeInvalidClientMetadata, msg, nil)
}

// CrossFamilyEditMessage explains why an edit may not switch between the
// authorization_code and client_credentials families.
const CrossFamilyEditMessage = "This server does not support editing between client_credentials and authorization_code grants. Please submit a delete request and a create request to obtain a new client_id."

func InvalidRegistrationEdit(msg string) *Error {
	return newError(CodeInvalidRegistrationEdit, msg, nil)
}

func InvalidClientAuthentication(msg string) *Error {
	return newError(CodeInvalidClientAuthentication, msg, nil)
}

func InvalidRequest(msg string) *Error {
	return newError(CodeInvalidRequest, msg, nil)
}

// InvalidIdp reports an upstream identity provider that could not be
// shown to belong to the trust community.
func InvalidIdp(msg string, cause error) *Error {
	return newError(CodeInvalidIdp, msg, cause)
}

// UnableToRegister reports a failed federation registration step.
func UnableToRegister(msg string, cause error) *Error {
	return newError(CodeUnableToRegister, msg, cause)
}

// AsError extracts a coded error from err's chain.
func AsError(err error) (*Error, bool) {
	var coded *Error
	if errors.As(err, &coded) {
		return coded, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	coded, ok := AsError(err)
	return ok && coded.Code == code
}
