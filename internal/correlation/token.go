package correlation

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
)

const (
	// TokenAffix brackets every correlation token
	TokenAffix = "jbkey"
	// issuedRandomLength is the random part of tokens this service issues
	issuedRandomLength = 32
	alphabet           = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Accepted tokens carry 25 to 64 alphanumerics between the affixes.
var tokenPattern = regexp.MustCompile(`^` + TokenAffix + `[A-Za-z0-9]{25,64}` + TokenAffix + `$`)

// ValidFormat reports whether token has the correlation token shape. Anything
// else is foreign and can be rejected without a registry lookup.
func ValidFormat(token string) bool {
	return tokenPattern.MatchString(token)
}

// NewToken generates a fresh token from crypto/rand
func NewToken() (string, error) {
	buf := make([]byte, issuedRandomLength)
	max := big.NewInt(int64(len(alphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate correlation token: %w", err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	return TokenAffix + string(buf) + TokenAffix, nil
}
