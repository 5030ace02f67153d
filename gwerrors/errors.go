// Package gwerrors contains the common errors used across the gateway.
package gwerrors

import (
	"errors"
	"fmt"
)

// Fatal configuration problems. The process must not start when one of
// these is returned from config loading.
var ErrConfiguration = errors.New("invalid gateway configuration")

// Cache entry could not be authenticated or decoded. The entry is treated
// as corrupt and evicted, the request proceeds as unauthenticated.
var ErrDecryption = errors.New("cannot decrypt cache entry")

var (
	ErrTokenNotFound = errors.New("the token cannot be found")
	ErrTokenExpired  = errors.New("the token has expired")

	ErrOriginNotAllowed = errors.New("the request origin is not in the allowed origins of the token")

	ErrUpstreamTimeout     = errors.New("the upstream service did not respond in time")
	ErrUpstreamUnreachable = errors.New("the upstream service cannot be reached")
)

// ErrPermanent marks an OAuth2 failure that cannot be recovered by retrying,
// e.g. a revoked refresh token. The token cache evicts the credential when a
// refresh fails with an error matching this sentinel.
var ErrPermanent = errors.New("permanent oauth2 failure")

// OAuth2Error represents a standardized OAuth 2.0 error as returned by a
// provider's token endpoint.
type OAuth2Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	// Permanent is true when the provider rejected the credential itself
	// rather than failing transiently.
	Permanent bool `json:"-"`
}

func (e *OAuth2Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Is lets errors.Is(err, ErrPermanent) match permanent provider rejections.
func (e *OAuth2Error) Is(target error) bool {
	return target == ErrPermanent && e.Permanent
}

// Standard OAuth2 error codes.
const (
	InvalidRequest         = "invalid_request"
	UnauthorizedClient     = "unauthorized_client"
	AccessDenied           = "access_denied"
	InvalidScope           = "invalid_scope"
	InvalidClient          = "invalid_client"
	InvalidGrant           = "invalid_grant"
	ServerError            = "server_error"
	TemporarilyUnavailable = "temporarily_unavailable"
)

// permanentCodes are provider responses after which retrying with the same
// credential can never succeed.
var permanentCodes = map[string]bool{
	InvalidGrant:       true,
	InvalidClient:      true,
	UnauthorizedClient: true,
	AccessDenied:       true,
}

// NewOAuth2Error builds an OAuth2Error from a provider error code, deciding
// whether the failure is permanent from the code alone.
func NewOAuth2Error(code, description string) *OAuth2Error {
	return &OAuth2Error{
		Code:        code,
		Description: description,
		Permanent:   permanentCodes[code],
	}
}

func NewInvalidRequest(description string) *OAuth2Error {
	return &OAuth2Error{Code: InvalidRequest, Description: description}
}

func NewInvalidGrant(description string) *OAuth2Error {
	return &OAuth2Error{Code: InvalidGrant, Description: description, Permanent: true}
}

func NewServerError(description string) *OAuth2Error {
	return &OAuth2Error{Code: ServerError, Description: description}
}

func NewTemporarilyUnavailable(description string) *OAuth2Error {
	return &OAuth2Error{Code: TemporarilyUnavailable, Description: description}
}
