package marketapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims is the JWT payload carried by the session cookie or the
// Authorization header. WorkspaceID scopes every ledger operation.
type SessionClaims struct {
	WorkspaceID string   `json:"workspace_id"`
	Roles       []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the session carries the given role.
func (claims *SessionClaims) HasRole(role string) bool {
	for _, candidate := range claims.Roles {
		if candidate == role {
			return true
		}
	}
	return false
}

type sessionValidator struct {
	signingKey []byte
	issuer     string
	cookieName string
}

func newSessionValidator(cfg Config) *sessionValidator {
	return &sessionValidator{
		signingKey: []byte(cfg.SessionSigningKey),
		issuer:     cfg.SessionIssuer,
		cookieName: cfg.SessionCookieName,
	}
}

// GinMiddleware rejects requests without a valid session token and stores
// the parsed claims under contextKey.
func (validator *sessionValidator) GinMiddleware(contextKey string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token := validator.extractToken(ctx)
		if token == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		claims, err := validator.parseToken(token)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session"))
			return
		}
		ctx.Set(contextKey, claims)
		ctx.Next()
	}
}

func (validator *sessionValidator) extractToken(ctx *gin.Context) string {
	if cookie, err := ctx.Cookie(validator.cookieName); err == nil && cookie != "" {
		return cookie
	}
	authorization := ctx.GetHeader("Authorization")
	if strings.HasPrefix(authorization, "Bearer ") {
		return strings.TrimPrefix(authorization, "Bearer ")
	}
	return ""
}

func (validator *sessionValidator) parseToken(raw string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return validator.signingKey, nil
	}, jwt.WithIssuer(validator.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if strings.TrimSpace(claims.WorkspaceID) == "" {
		return nil, fmt.Errorf("missing workspace_id claim")
	}
	return claims, nil
}

// SignSessionToken mints a session token. Used by the admin CLI and tests.
func SignSessionToken(cfg Config, workspaceID string, roles []string, expiresAt time.Time) (string, error) {
	claims := SessionClaims{
		WorkspaceID: workspaceID,
		Roles:       roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.SessionSigningKey))
}

func getClaims(ctx *gin.Context) *SessionClaims {
	claimsValue, ok := ctx.Get(authClaimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*SessionClaims)
	return claims
}
