package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NumericCode generates a zero-padded decimal code of the given length using crypto/rand.
func NumericCode(length int) (string, error) {
	if length <= 0 || length > 18 {
		return "", fmt.Errorf("invalid code length %d", length)
	}
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n.Int64()), nil
}

// Suffix returns n random lower-case alphanumerics, used to de-duplicate derived usernames.
func Suffix(n int) (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(suffixAlphabet)))
	for i := 0; i < n; i++ {
		k, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate suffix: %w", err)
		}
		b.WriteByte(suffixAlphabet[k.Int64()])
	}
	return b.String(), nil
}

// Secret generates a cryptographically random 64-character hex string.
func Secret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
