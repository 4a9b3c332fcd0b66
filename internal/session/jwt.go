package session

import (
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken is returned when no token is present
	ErrNoToken = errors.New("no token")

	// ErrInvalidToken is returned when the token cannot be parsed
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when the token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrMissingUserID is returned when the token is missing the required user_id claim
	ErrMissingUserID = errors.New("token missing user_id claim")
)

// looksLikeJWT reports whether token has the three dot-separated segments of a JWS.
// Anything else is an opaque token only the server can judge.
func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

// CheckToken decides whether a token is usable without asking the server.
// Empty tokens and tokens with whitespace or control characters are rejected.
// JWT-shaped tokens must parse, and an exp claim in the past makes them expired.
// Opaque tokens pass.
func CheckToken(token string) error {
	if token == "" {
		return ErrNoToken
	}
	for _, r := range token {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrInvalidToken
		}
	}
	if !looksLikeJWT(token) {
		return nil
	}

	claims, err := parseClaims(token)
	if err != nil {
		return ErrInvalidToken
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return ErrInvalidToken
	}
	if exp != nil && !time.Now().Before(exp.Time) {
		return ErrTokenExpired
	}
	return nil
}

// ExpiresAt returns the exp claim of a JWT, or the zero time for opaque tokens
// and tokens without one
func ExpiresAt(token string) time.Time {
	if !looksLikeJWT(token) {
		return time.Time{}
	}
	claims, err := parseClaims(token)
	if err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// UserFromToken extracts the identity embedded in a JWT access token.
// It is used when a login or refresh response carries the token but no profile.
func UserFromToken(token string) (*User, error) {
	if err := CheckToken(token); err != nil {
		return nil, err
	}
	if !looksLikeJWT(token) {
		return nil, ErrInvalidToken
	}

	claims, err := parseClaims(token)
	if err != nil {
		return nil, ErrInvalidToken
	}

	user := &User{}

	// Email can be in either "email" or "username" claim
	if email, ok := claims["email"].(string); ok {
		user.Email = email
	} else if username, ok := claims["username"].(string); ok {
		user.Email = username
	}

	if userID, ok := claims["user_id"].(string); ok {
		user.ID = userID
	} else if sub, ok := claims["sub"].(string); ok {
		user.ID = sub
	}

	if displayName, ok := claims["display_name"].(string); ok {
		user.DisplayName = displayName
	} else if name, ok := claims["name"].(string); ok {
		user.DisplayName = name
	}

	if role, ok := claims["role"].(string); ok {
		user.Role = role
	}

	if picture, ok := claims["picture"].(string); ok {
		user.AvatarURL = picture
	}

	if user.ID == "" {
		return nil, ErrMissingUserID
	}
	return user, nil
}

// parseClaims parses a JWT without verifying the signature; the backend verifies,
// the client only needs the claims
func parseClaims(token string) (jwt.MapClaims, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
