// Package auth resolves the calling principal from gateway-verified headers.
//
// Authentication itself lives at the edge gateway; by the time a request
// reaches this service the gateway has verified the caller and stamped
// X-Principal-Id, X-Principal-Kind, and X-Principal-Role headers. This
// package only reads them and enforces role guards on protected routes.
package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/minhctran/vieclance/internal/api"
)

// Roles recognized on X-Principal-Role.
const (
	RoleRequester = "requester"
	RoleMember    = "member"
	RoleAdmin     = "admin"
)

const identityKey = "auth.identity"

// Identity is the resolved calling principal.
type Identity struct {
	ID   string
	Kind string // user, member
	Role string // requester, member, admin
}

// Middleware resolves the principal headers into the request context.
// Requests without identity headers pass through anonymous; route guards
// decide what requires identity.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Principal-Id")
		if id != "" {
			c.Set(identityKey, Identity{
				ID:   id,
				Kind: c.GetHeader("X-Principal-Kind"),
				Role: c.GetHeader("X-Principal-Role"),
			})
		}
		c.Next()
	}
}

// FromContext returns the resolved identity, if any.
func FromContext(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	ident, ok := v.(Identity)
	return ident, ok
}

// Require aborts with 401 when no identity was resolved.
func Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := FromContext(c); !ok {
			api.Fail(c, http.StatusUnauthorized, "unauthenticated", "Missing principal identity")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireRole aborts with 403 unless the identity carries one of the roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, ok := FromContext(c)
		if !ok {
			api.Fail(c, http.StatusUnauthorized, "unauthenticated", "Missing principal identity")
			c.Abort()
			return
		}
		for _, r := range roles {
			if ident.Role == r {
				c.Next()
				return
			}
		}
		api.Fail(c, http.StatusForbidden, "forbidden", "Insufficient role for this operation")
		c.Abort()
	}
}
