package middleware

import (
	"context"
	"net/http"
	"slices"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/coaching-platform/internal/apperr"
)

type contextKey string

const operatorClaimsKey contextKey = "operatorClaims"

// operatorRoles may call /admin endpoints.
var operatorRoles = []string{"admin", "operator"}

// OperatorClaims are carried by tokens minted for support staff.
type OperatorClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// AdminJWT enforces an HS256 operator token on manual re-sync and
// sync-status reporting. Tokens must expire and carry an operator role.
func AdminJWT(secret string) func(http.Handler) http.Handler {
	keyFunc := func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				apperr.WriteJSON(w, apperr.Unauthorized("admin auth disabled"))
				return
			}
			raw, ok := bearerToken(r)
			if !ok {
				apperr.WriteJSON(w, apperr.Unauthorized("missing authorization header"))
				return
			}
			claims := &OperatorClaims{}
			if _, err := parser.ParseWithClaims(raw, claims, keyFunc); err != nil {
				apperr.WriteJSON(w, apperr.Unauthorized("invalid token"))
				return
			}
			if !slices.Contains(operatorRoles, claims.Role) {
				apperr.WriteJSON(w, apperr.Unauthorized("operator role required"))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorClaimsKey, claims)))
		})
	}
}

// OperatorFromContext returns the operator claims set by AdminJWT.
func OperatorFromContext(ctx context.Context) (*OperatorClaims, bool) {
	claims, ok := ctx.Value(operatorClaimsKey).(*OperatorClaims)
	return claims, ok
}
