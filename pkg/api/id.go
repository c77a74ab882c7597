package api

import (
	"crypto/rand"
	"math/big"
	"regexp"

	"github.com/google/uuid"
)

const (
	idLength = 24
	charset  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	exchangeIDPrefix = "ex_"
)

var exchangeIDPattern = regexp.MustCompile(`^ex_[a-zA-Z0-9]{24}$`)

// NewSessionID returns a random (version 4) UUID string.
func NewSessionID() string {
	return uuid.NewString()
}

// NewMessageID returns a random (version 4) UUID string.
func NewMessageID() string {
	return uuid.NewString()
}

// ValidateSessionID reports whether id is a well-formed UUID.
func ValidateSessionID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// NewExchangeID generates an exchange ID with the "ex_" prefix followed by
// 24 cryptographically random alphanumeric characters.
func NewExchangeID() string {
	return exchangeIDPrefix + randomAlphanumeric(idLength)
}

// ValidateExchangeID checks whether the given string is a valid exchange ID.
func ValidateExchangeID(id string) bool {
	return exchangeIDPattern.MatchString(id)
}

func randomAlphanumeric(n int) string {
	max := big.NewInt(int64(len(charset)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		b[i] = charset[idx.Int64()]
	}
	return string(b)
}
