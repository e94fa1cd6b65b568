// Package auth provides session token management for the gateway.
// Tokens carry the caller's opaque user hash and role; the gateway never
// sees raw identity material.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token type constants for the typ claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Roles recognized by the gateway. Administrative actions require a role
// in AdminRoles; spend ceilings apply to RoleOffspring.
const (
	RoleOffspring = "offspring"
	RoleAdult     = "adult"
	RoleSteward   = "steward"
	RoleGuardian  = "guardian"
	RoleAdmin     = "admin"
)

// AdminRoles is the allow-listed administrative role set.
var AdminRoles = map[string]bool{
	RoleGuardian: true,
	RoleAdmin:    true,
}

// ValidRoles defines all roles a token may carry.
var ValidRoles = map[string]bool{
	RoleOffspring: true,
	RoleAdult:     true,
	RoleSteward:   true,
	RoleGuardian:  true,
	RoleAdmin:     true,
}

// Token expiration durations.
const (
	AccessTokenExpiry  = 15 * time.Minute
	RefreshTokenExpiry = 7 * 24 * time.Hour
)

// Default leeway for token validation.
const DefaultLeeway = 30 * time.Second

// ErrInvalidToken is returned when token validation fails.
var ErrInvalidToken = errors.New("invalid token")

// ErrExpiredToken is returned when the token has expired.
var ErrExpiredToken = errors.New("token has expired")

// ErrEmptyUserHash is returned when the user hash is empty.
var ErrEmptyUserHash = errors.New("user hash cannot be empty")

// ErrInvalidRole is returned when the role is not in the allowed set.
var ErrInvalidRole = errors.New("role is not recognized")

// Claims represents custom JWT claims for the gateway.
type Claims struct {
	jwt.RegisteredClaims
	UserHash string `json:"uh"`             // Opaque per-user identity hash
	Role     string `json:"role,omitempty"` // Caller role (access tokens only)
	Type     string `json:"typ"`            // Token type: "access" or "refresh"
}

// JWTService handles JWT token operations.
// Supports dual-key rotation: tokens are signed with currentSecret,
// but can be validated with either currentSecret or previousSecret.
type JWTService struct {
	currentSecret  []byte
	previousSecret []byte
	leeway         time.Duration
}

// NewJWTService creates a new JWTService with the given secret.
func NewJWTService(secret string) *JWTService {
	return &JWTService{
		currentSecret:  []byte(secret),
		previousSecret: nil,
		leeway:         DefaultLeeway,
	}
}

// NewJWTServiceWithRotation creates a new JWTService with dual-key support
// for zero-downtime rotation. Tokens are always signed with currentSecret,
// but can be validated with either currentSecret or previousSecret.
// Set previousSecret to empty string if no rotation is in progress.
func NewJWTServiceWithRotation(currentSecret, previousSecret string) *JWTService {
	svc := &JWTService{
		currentSecret: []byte(currentSecret),
		leeway:        DefaultLeeway,
	}
	if previousSecret != "" {
		svc.previousSecret = []byte(previousSecret)
	}
	return svc
}

// NewJWTServiceWithLeeway creates a new JWTService with custom leeway.
func NewJWTServiceWithLeeway(secret string, leeway time.Duration) *JWTService {
	return &JWTService{
		currentSecret: []byte(secret),
		leeway:        leeway,
	}
}

// GenerateAccessToken creates a new access token (15m expiry) carrying the
// caller's user hash and role.
func (s *JWTService) GenerateAccessToken(userHash, role string) (string, error) {
	if userHash == "" {
		return "", ErrEmptyUserHash
	}
	if !ValidRoles[role] {
		return "", ErrInvalidRole
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userHash,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTokenExpiry)),
		},
		UserHash: userHash,
		Role:     role,
		Type:     TokenTypeAccess,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.currentSecret)
}

// GenerateRefreshToken creates a new refresh token (7d expiry).
func (s *JWTService) GenerateRefreshToken(userHash string) (string, error) {
	if userHash == "" {
		return "", ErrEmptyUserHash
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userHash,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(RefreshTokenExpiry)),
		},
		UserHash: userHash,
		Type:     TokenTypeRefresh,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.currentSecret)
}

// ValidateToken parses and validates a JWT token, returning the claims if valid.
// Supports dual-key rotation: tries currentSecret first, then previousSecret if available.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return s.currentSecret, nil
	}, jwt.WithLeeway(s.leeway))

	if err == nil {
		claims, ok := token.Claims.(*Claims)
		if ok && token.Valid {
			return claims, nil
		}
		return nil, ErrInvalidToken
	}

	// If current secret fails and previous secret is available, try previous secret
	if s.previousSecret != nil {
		token, err = jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, ErrInvalidToken
			}
			return s.previousSecret, nil
		}, jwt.WithLeeway(s.leeway))

		if err == nil {
			claims, ok := token.Claims.(*Claims)
			if ok && token.Valid {
				return claims, nil
			}
		}
	}

	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrExpiredToken
	}
	return nil, ErrInvalidToken
}
