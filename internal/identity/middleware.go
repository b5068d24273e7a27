package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	ctxUserClaims = "rentledger_user_claims"
	ctxUserID     = "rentledger_user_id"
)

// RequireUserToken returns a Gin middleware that enforces a valid Bearer
// token. Websocket clients, which cannot set headers, may pass the token in
// the access_token query parameter instead.
//
// On success it injects the claims and the caller's UUID into the context.
func RequireUserToken(tokens *UserTokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := bearerToken(c)
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer user token required",
			})
			return
		}

		claims, err := tokens.Verify(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid user token",
			})
			return
		}
		userID, _ := claims.UserUUID()

		c.Set(ctxUserClaims, claims)
		c.Set(ctxUserID, userID)
		c.Next()
	}
}

// UserClaimsFromCtx returns the claims injected by RequireUserToken.
func UserClaimsFromCtx(c *gin.Context) (*UserTokenClaims, bool) {
	v, ok := c.Get(ctxUserClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*UserTokenClaims)
	return claims, ok
}

// UserIDFromCtx returns the authenticated caller's ID.
func UserIDFromCtx(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(ctxUserID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.Query("access_token")
}
