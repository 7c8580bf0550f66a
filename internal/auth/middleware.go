package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/opensupply/OpenSupplyCore/internal/types"
)

// AuthMiddleware validates tokens and enforces authentication
func (a *AuthService) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Dev-Mode: Auth komplett aus, alle Permissions erlaubt
		if a.devMode {
			c.Set("permissions", []Permission{PermOperator, PermTechnician, PermAdmin})
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, types.NewErrorResponse(
				types.CodeUnauthorized, "missing authorization header", nil))
			c.Abort()
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, types.NewErrorResponse(
				types.CodeUnauthorized, "invalid authorization header format", nil))
			c.Abort()
			return
		}

		token := parts[1]

		// Try JWT first to get user info
		if claims, err := a.jwtHandler.ValidateAccessToken(token); err == nil {
			c.Set("permissions", RolePermissions(claims.Role))
			c.Set("user_id", claims.UserID)
			c.Set("username", claims.Username)
			c.Set("role", claims.Role)
			c.Next()
			return
		}

		// Fall back to machine token (no user_id for machine tokens)
		permissions, err := a.ValidateMachineToken(c.Request.Context(), token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, types.NewErrorResponse(
				types.CodeUnauthorized, "invalid or expired token", nil))
			c.Abort()
			return
		}

		// Store permissions in context (machine tokens don't have user_id)
		c.Set("permissions", permissions)
		c.Next()
	}
}

// RequirePermission checks if user has required permission
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms, exists := c.Get("permissions")
		if !exists {
			c.JSON(http.StatusForbidden, types.NewErrorResponse(
				types.CodeForbidden, "no permissions found", nil))
			c.Abort()
			return
		}

		permissions := perms.([]Permission)
		hasPermission := false
		for _, p := range permissions {
			if p == required {
				hasPermission = true
				break
			}
		}

		if !hasPermission {
			c.JSON(http.StatusForbidden, types.NewErrorResponse(
				types.CodeForbidden, "insufficient permissions",
				gin.H{"required": string(required)}))
			c.Abort()
			return
		}

		c.Next()
	}
}

// GetUserPermissions extracts permissions from the request context
func GetUserPermissions(c *gin.Context) []Permission {
	if perms, ok := c.Get("permissions"); ok {
		if permissions, ok := perms.([]Permission); ok {
			return permissions
		}
	}
	return nil
}

// HasPermission reports whether the request carries the permission.
func HasPermission(c *gin.Context, required Permission) bool {
	for _, p := range GetUserPermissions(c) {
		if p == required {
			return true
		}
	}
	return false
}
