package auth

import (
	"net/http"
	"strings"

	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"github.com/gin-gonic/gin"
)

const (
	PermissionsKey = "permissions"
	UsernameKey    = "username"
	RoleKey        = "role"
)

// AuthMiddleware validates bearer tokens: a JWT access token first, then a
// machine token. With authentication disabled every request passes as admin.
func (a *Service) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.enabled {
			c.Set(PermissionsKey, RolePermissions("admin"))
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, http.StatusUnauthorized, "AUTH_401", "missing authorization header", nil)
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || scheme != "Bearer" || token == "" {
			abort(c, http.StatusUnauthorized, "AUTH_401", "invalid authorization header format", nil)
			return
		}

		if claims, err := a.jwtHandler.ValidateAccessToken(token); err == nil {
			c.Set(PermissionsKey, RolePermissions(claims.Role))
			c.Set(UsernameKey, claims.Username)
			c.Set(RoleKey, claims.Role)
			c.Next()
			return
		}

		permissions, err := a.ValidateMachineToken(c.Request.Context(), token, c.ClientIP(), c.GetHeader("User-Agent"))
		if err != nil {
			abort(c, http.StatusUnauthorized, "AUTH_401", "invalid or expired token", nil)
			return
		}

		c.Set(PermissionsKey, permissions)
		c.Next()
	}
}

// RequirePermission checks if user has required permission
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !HasPermission(c, required) {
			abort(c, http.StatusForbidden, "AUTH_403", "insufficient permissions", gin.H{"required": string(required)})
			return
		}
		c.Next()
	}
}

// HasPermission reports whether the authenticated caller holds p.
func HasPermission(c *gin.Context, p Permission) bool {
	perms, ok := c.Get(PermissionsKey)
	if !ok {
		return false
	}
	list, _ := perms.([]Permission)
	for _, have := range list {
		if have == p {
			return true
		}
	}
	return false
}

func abort(c *gin.Context, status int, code, message string, details any) {
	c.AbortWithStatusJSON(status, types.NewErrorResponse(code, message, details))
}
