package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	adminAudience  = "chatrelay"
	scopeChatRead  = "chat:read"
	scopeChatRetry = "chat:retry"
	bearerPrefix   = "Bearer "
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type adminClaims struct {
	Subject string
	Scopes  map[string]struct{}
	Expires time.Time
}

type tokenClaims struct {
	Scopes any `json:"scopes"`
	jwt.RegisteredClaims
}

// IssueAdminToken signs a bearer token accepted by the /admin routes.
func IssueAdminToken(secret, subject string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret is required")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject is required")
	}
	if len(scopes) == 0 {
		return "", errors.New("at least one scope is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	claims := tokenClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{adminAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (adminClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return adminClaims{}, err
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return adminClaims{}, &authError{
				status:  http.StatusForbidden,
				code:    "forbidden",
				message: "missing required scope: " + requiredScope,
			}
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (adminClaims, *authError) {
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return adminClaims{}, unauthorized("missing or invalid bearer token")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))

	var claims tokenClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(adminAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return adminClaims{}, unauthorized("invalid jwt format")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return adminClaims{}, unauthorized("jwt signature mismatch")
		case errors.Is(err, jwt.ErrTokenExpired):
			return adminClaims{}, unauthorized("token expired")
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return adminClaims{}, unauthorized("invalid aud claim")
		case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
			return adminClaims{}, unauthorized("invalid exp claim")
		case errors.Is(err, jwt.ErrTokenUnverifiable):
			return adminClaims{}, unauthorized("unsupported jwt algorithm")
		default:
			return adminClaims{}, unauthorized("invalid token")
		}
	}
	if !token.Valid {
		return adminClaims{}, unauthorized("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return adminClaims{}, unauthorized("missing sub claim")
	}

	scopes := parseScopes(claims.Scopes)
	if len(scopes) == 0 {
		return adminClaims{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	var expires time.Time
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}
	return adminClaims{
		Subject: claims.Subject,
		Scopes:  scopes,
		Expires: expires,
	}, nil
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case []string:
		for _, scope := range typed {
			if scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}
