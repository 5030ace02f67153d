package oidc

import (
	"fmt"
	"strings"

	"go.pilab.hu/authgw/gwerrors"
)

// CheckOrigin verifies that a cross-origin request's Referer matches one of
// the allowed origins baked into the token. Tokens without an
// allowed-origins claim pass; a non-empty claim that does not match yields
// gwerrors.ErrOriginNotAllowed.
func CheckOrigin(claims *Claims, referer string) error {
	if len(claims.AllowedOrigins) == 0 || referer == "" {
		return nil
	}
	for _, origin := range claims.AllowedOrigins {
		if matchOrigin(origin, referer) {
			return nil
		}
	}
	return fmt.Errorf("%w: referer %q", gwerrors.ErrOriginNotAllowed, referer)
}

// matchOrigin supports the trailing-wildcard form Keycloak uses, e.g.
// "https://good.example/*".
func matchOrigin(pattern, referer string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(referer, prefix)
	}
	return referer == pattern || strings.HasPrefix(referer, pattern+"/")
}
