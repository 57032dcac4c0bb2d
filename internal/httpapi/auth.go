package httpapi

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	roleViewer       = "viewer"
	roleInvestigator = "investigator"
	roleAdmin        = "admin"
)

var roleRank = map[string]int{
	roleViewer:       1,
	roleInvestigator: 2,
	roleAdmin:        3,
}

type bearerClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

type authError struct {
	status  int
	code    string
	message string
}

// authorize validates the bearer token and checks role sufficiency.
// WebSocket clients may carry the token in the access_token query
// parameter since browsers cannot set headers on socket upgrades.
func (s *Server) authorize(r *http.Request, requiredRole string) (*bearerClaims, *authError) {
	raw := ""
	if header := r.Header.Get("Authorization"); header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return nil, &authError{http.StatusUnauthorized, "unauthorized", "malformed Authorization header"}
		}
		raw = strings.TrimPrefix(header, "Bearer ")
	} else if token := r.URL.Query().Get("access_token"); token != "" {
		raw = token
	}
	if raw == "" {
		return nil, &authError{http.StatusUnauthorized, "unauthorized", "missing bearer token"}
	}

	claims := &bearerClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, &authError{http.StatusUnauthorized, "unauthorized", "invalid token"}
	}
	if claims.UserID == "" {
		return nil, &authError{http.StatusUnauthorized, "unauthorized", "token has no user"}
	}
	if roleRank[claims.Role] < roleRank[requiredRole] {
		return nil, &authError{http.StatusForbidden, "forbidden", "insufficient role"}
	}
	return claims, nil
}

// IssueToken mints a bearer token for tests and dev tooling.
func IssueToken(secret, userID, role string, claims jwt.RegisteredClaims) (string, error) {
	c := bearerClaims{UserID: userID, Role: role, RegisteredClaims: claims}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
}
