package adminapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrMissingToken            = errors.New("missing bearer token")
	ErrUnexpectedSigningMethod = errors.New("unexpected signing method")
	ErrAuthFailed              = errors.New("authentication failed")
)

// extractBearer returns the token of an "Authorization: Bearer <token>"
// header value.
func extractBearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// validateJWT checks the signature against secret A and then secret B,
// then the claims.
func (a *API) validateJWT(tokenString string) (jwt.MapClaims, error) {
	// claims are checked below so that a clock skewed iat does not fail
	// the parse
	parser := &jwt.Parser{
		ValidMethods:         []string{"HS256"},
		SkipClaimsValidation: true,
	}
	keyFunc := func(secret []byte) jwt.Keyfunc {
		return func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, ErrUnexpectedSigningMethod
			}
			return secret, nil
		}
	}

	token, err := parser.Parse(tokenString, keyFunc(a.secretA))
	if err != nil {
		a.logger.WithField("error", err.Error()).Debug("admin token rejected with secret A, trying secret B")
		token, err = parser.Parse(tokenString, keyFunc(a.secretB))
	}
	if err != nil {
		return nil, ErrAuthFailed
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrAuthFailed
	}
	now := a.now().Unix()
	if !claims.VerifyExpiresAt(now, true) || !claims.VerifyNotBefore(now, true) {
		return nil, ErrAuthFailed
	}
	if a.audience != "" && !claims.VerifyAudience(a.audience, true) {
		return nil, ErrAuthFailed
	}
	return claims, nil
}

// authenticate rejects requests without a valid token.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			a.reject(w, r, ErrMissingToken)
			return
		}
		claims, err := a.validateJWT(tokenString)
		if err != nil {
			a.reject(w, r, err)
			return
		}
		if sub, ok := claims["sub"].(string); ok {
			a.logf(r, "authenticated %s", sub)
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) reject(w http.ResponseWriter, r *http.Request, err error) {
	a.logerrorf(r, err, "rejected admin request")
	w.Header().Set("WWW-Authenticate", `Bearer realm="wsbridge"`)
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}
