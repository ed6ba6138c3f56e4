package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/marketplace_backend/utils"
)

// SessionMiddleware validates the token header and attaches the caller's
// identity to the request context. Requests without a token pass through
// anonymously; each handler decides whether it needs one.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}

		parsed, err := utils.JwtValidate(token)
		if err != nil || !parsed.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		claims, ok := parsed.Claims.(*utils.JwtCustomClaim)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUserIdInContext(ctx, claims.ID)
		if claims.SellerId != "" {
			ctx = utils.SetSellerIdInContext(ctx, claims.SellerId)
		}
		if claims.Role == utils.RolePlatformAdmin {
			ctx = utils.SetIsPlatformAdminInContext(ctx, true)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// BusinessMiddleware resolves the caller's tenant from the x-business-id
// header so the tenant guard can scope queries.
func BusinessMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId := c.Request.Header.Get("x-business-id")
		if businessId != "" {
			c.Request = c.Request.WithContext(utils.SetBusinessIdInContext(c.Request.Context(), businessId))
		}
		c.Next()
	}
}
