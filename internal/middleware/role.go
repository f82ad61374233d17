package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/gameon/recorder/internal/auth"
	"github.com/gameon/recorder/pkg/response"
)

// RequireRole allows only the given roles. Operators pass every viewer check.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{})
	for _, r := range roles {
		allowed[r] = struct{}{}
		if r == auth.RoleViewer {
			allowed[auth.RoleOperator] = struct{}{}
		}
	}
	return func(c *gin.Context) {
		role := c.GetString(ContextRole)
		if role == "" {
			response.Unauthorized(c, "missing token context")
			c.Abort()
			return
		}
		if _, ok := allowed[role]; !ok {
			response.Forbidden(c, "role "+role+" may not do this")
			c.Abort()
			return
		}
		c.Next()
	}
}
