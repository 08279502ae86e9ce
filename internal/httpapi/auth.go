package httpapi

import (
	"net/http"
	"strings"

	"deployerd/m/v2/internal/projectstore"
)

// HeaderAuthenticator is the minimal Authenticator Server falls back to
// when none is supplied. It trusts an `Authorization: Bearer <ownerId>`
// header as the caller's identity — real session/cookie auth (spec.md §1
// Non-goal) is expected to replace this with a store-backed implementation
// that sets the same callerID/isAdmin pair after verifying a session.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (string, bool, error) {
	h := r.Header.Get("Authorization")
	callerID := strings.TrimPrefix(h, "Bearer ")
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		callerID = r.Header.Get("X-Owner-Id")
	}
	return callerID, projectstore.IsPrivilegedOwner(callerID), nil
}
