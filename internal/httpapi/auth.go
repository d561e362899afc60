package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	contextKeyClaims = "auth_claims"
	bearerPrefix     = "Bearer "

	// ScopeService marks tokens issued to internal collaborators (the metered
	// caller, the purchase flow); they may act on any account.
	ScopeService = "service"
	// ScopeUser marks end-user tokens; they may act only on the account named
	// by the token subject.
	ScopeUser = "user"
)

var errMalformedToken = errors.New("malformed bearer token")

// Claims is the JWT payload the engine accepts.
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// RequireAuth validates the Authorization bearer token and stashes its claims
// on the request context.
func RequireAuth(signingKey []byte) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims, err := parseBearerToken(ctx.GetHeader("Authorization"), signingKey)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid or missing token"))
			return
		}
		ctx.Set(contextKeyClaims, claims)
		ctx.Next()
	}
}

func parseBearerToken(header string, signingKey []byte) (*Claims, error) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return nil, errMalformedToken
	}
	raw := strings.TrimPrefix(header, bearerPrefix)
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errMalformedToken
		}
		return signingKey, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errMalformedToken
	}
	return claims, nil
}

func getClaims(ctx *gin.Context) *Claims {
	value, exists := ctx.Get(contextKeyClaims)
	if !exists {
		return nil
	}
	claims, ok := value.(*Claims)
	if !ok {
		return nil
	}
	return claims
}

// authorizeAccount rejects user-scoped tokens acting on another account.
func authorizeAccount(claims *Claims, accountID string) bool {
	if claims == nil {
		return false
	}
	if claims.Scope == ScopeService {
		return true
	}
	return claims.Subject == accountID
}
