package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/puran-edu/approval-chain-api/internal/models"
	appErrors "github.com/puran-edu/approval-chain-api/pkg/errors"
	"github.com/puran-edu/approval-chain-api/pkg/response"
)

// RequireRoles blocks requests whose authenticated role is not in the allowed
// set. It must run after JWT, which stores the claims on the context.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make(map[models.UserRole]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return func(c *gin.Context) {
		claimsValue, exists := c.Get(ContextUserKey)
		if !exists {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		claims := claimsValue.(*models.JWTClaims)

		if _, ok := allowed[claims.Role]; !ok {
			response.Error(c, appErrors.ErrForbidden)
			c.Abort()
			return
		}

		c.Next()
	}
}
