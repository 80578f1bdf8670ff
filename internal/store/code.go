package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 6
	minCodeLen   = 4

	// MaxCreateAttempts bounds CreateRoomWithRetry.
	MaxCreateAttempts = 5
)

var ErrInvalidCode = errors.New("store: invalid room code")

var (
	adjectives = []string{
		"Swift", "Silent", "Cosmic", "Mystic", "Shadow", "Golden", "Silver", "Crystal",
		"Thunder", "Crimson", "Azure", "Emerald", "Phantom", "Stellar", "Neon", "Velvet",
	}
	nouns = []string{
		"Fox", "Wolf", "Hawk", "Owl", "Tiger", "Dragon", "Phoenix", "Raven",
		"Panther", "Falcon", "Viper", "Lion", "Bear", "Eagle", "Shark", "Cobra",
	}
)

func randIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// GenerateCode returns a random six character room code. Ambiguous
// characters (0, O, 1, I) are never used.
func GenerateCode() (string, error) {
	var b strings.Builder
	b.Grow(codeLength)
	for i := 0; i < codeLength; i++ {
		idx, err := randIndex(len(codeAlphabet))
		if err != nil {
			return "", fmt.Errorf("store: generate code: %w", err)
		}
		b.WriteByte(codeAlphabet[idx])
	}
	return b.String(), nil
}

// NormalizeCode trims and upper-cases a user supplied code and checks that
// it is 4 to 6 letters or digits.
func NormalizeCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) < minCodeLen || len(code) > codeLength {
		return "", ErrInvalidCode
	}
	for _, r := range code {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", ErrInvalidCode
		}
	}
	return code, nil
}

func ValidateCode(code string) bool {
	_, err := NormalizeCode(code)
	return err == nil
}

// CreateRoomWithRetry creates a room under a fresh code, retrying with a new
// code when the store reports a collision.
func CreateRoomWithRetry(ctx context.Context, s Store) (string, error) {
	var lastErr error
	for attempt := 0; attempt < MaxCreateAttempts; attempt++ {
		code, err := GenerateCode()
		if err != nil {
			return "", err
		}
		err = s.CreateRoom(ctx, code)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, ErrConflict) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("store: no free room code after %d attempts: %w", MaxCreateAttempts, lastErr)
}

// GenerateName returns an anonymous display name such as "CosmicFox42".
func GenerateName() string {
	a, err1 := randIndex(len(adjectives))
	n, err2 := randIndex(len(nouns))
	num, err3 := randIndex(99)
	if err1 != nil || err2 != nil || err3 != nil {
		return "Guest"
	}
	return fmt.Sprintf("%s%s%d", adjectives[a], nouns[n], num+1)
}
