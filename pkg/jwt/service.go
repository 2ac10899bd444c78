package jwt

import (
	"time"
)

// Service issues and validates connector tokens with one secret
type Service struct {
	secretKey string
	expiry    time.Duration
}

// NewService creates a new JWT service. It returns nil when secretKey is
// empty, which callers treat as authentication disabled.
func NewService(secretKey string, expiry time.Duration) *Service {
	if secretKey == "" {
		return nil
	}
	if expiry == 0 {
		expiry = 24 * time.Hour
	}
	return &Service{
		secretKey: secretKey,
		expiry:    expiry,
	}
}

// GenerateToken issues a token for a connector
func (s *Service) GenerateToken(subject, channelID string, scopes ...string) (string, error) {
	return GenerateToken(s.secretKey, subject, channelID, scopes, s.expiry)
}

// ValidateToken validates a token and returns the claims
func (s *Service) ValidateToken(tokenString string) (*ConnectorClaims, error) {
	return ValidateToken(s.secretKey, tokenString)
}
