package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/clinic-portal/internal/authority"
)

// IdentityClaims is the bearer token payload issued by the upstream auth service.
type IdentityClaims struct {
	jwt.RegisteredClaims
	Role     string `json:"role"`
	ClinicID string `json:"clinic_id,omitempty"`
}

// Identity converts the claims into a request identity.
func (c IdentityClaims) Identity() authority.Identity {
	return authority.Identity{
		SubjectID: c.Subject,
		Role:      authority.Role(strings.ToLower(strings.TrimSpace(c.Role))),
		ClinicID:  c.ClinicID,
	}
}

// IdentityJWT validates an HS256 bearer token and places the caller's
// identity on the request context. Browsers cannot set headers on websocket
// upgrades, so a "token" query parameter is accepted as well.
func IdentityJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				writeAuthError(w, "identity auth not configured")
				return
			}
			tokenString := bearerToken(r)
			if tokenString == "" {
				writeAuthError(w, "missing authorization header")
				return
			}
			id, err := ParseIdentityToken(secret, tokenString)
			if err != nil {
				writeAuthError(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(authority.WithIdentity(r.Context(), id)))
		})
	}
}

// ParseIdentityToken verifies tokenString and returns a valid identity.
func ParseIdentityToken(secret, tokenString string) (authority.Identity, error) {
	claims := &IdentityClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return authority.Identity{}, fmt.Errorf("middleware: parse token: %w", err)
	}
	id := claims.Identity()
	if !id.Valid() {
		return authority.Identity{}, authority.ErrUnauthenticated
	}
	return id, nil
}

// SignIdentityToken issues a token for id. Used by the portal agent in
// development and by tests.
func SignIdentityToken(secret string, id authority.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := IdentityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.SubjectID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Role:     string(id.Role),
		ClinicID: id.ClinicID,
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, msg)
}
