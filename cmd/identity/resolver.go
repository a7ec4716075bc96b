package identity

import (
	"net/http"
	"net/textproto"
	"strings"

	"bazaar/cmd/internal/messaging"
)

// DefaultHeader carries the authenticated user id set by the fronting auth layer.
const DefaultHeader = "X-User-ID"

// Resolver returns the user id a request acts for.
type Resolver interface {
	Resolve(r *http.Request) (string, error)
}

// RequestResolver trusts a header set by the auth proxy. Browsers cannot set headers on
// WebSocket handshakes, so a "user_id" query parameter is accepted when AllowQuery is set.
type RequestResolver struct {
	Header     string
	AllowQuery bool
}

// NewRequestResolver constructs a RequestResolver. An empty header selects DefaultHeader.
func NewRequestResolver(header string, allowQuery bool) RequestResolver {
	header = strings.TrimSpace(header)
	if header == "" {
		header = DefaultHeader
	}
	return RequestResolver{Header: textproto.CanonicalMIMEHeaderKey(header), AllowQuery: allowQuery}
}

// Resolve implements Resolver.
func (rr RequestResolver) Resolve(r *http.Request) (string, error) {
	const op = "identity.Resolve"

	header := rr.Header
	if header == "" {
		header = DefaultHeader
	}

	id := NormalizeUserID(r.Header.Get(header))
	if id == "" && rr.AllowQuery {
		id = NormalizeUserID(r.URL.Query().Get("user_id"))
	}
	if id == "" {
		return "", OpError{Op: op, Kind: ErrUnauthenticated, Msg: "missing user identity"}
	}
	if !messaging.ValidUserID(id) {
		return "", OpError{Op: op, Kind: ErrInvalidInput, Msg: "malformed user id"}
	}
	return id, nil
}
