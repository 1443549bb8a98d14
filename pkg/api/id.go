package api

import (
	"crypto/rand"
	"math/big"
	"regexp"
)

const (
	sessionIDLength      = 12
	conversationIDLength = 24
	charset              = "abcdefghijklmnopqrstuvwxyz0123456789"

	sessionIDPrefix      = "sess_"
	conversationIDPrefix = "conv_"
)

var (
	sessionIDPattern      = regexp.MustCompile(`^sess_[a-z0-9]{12}$`)
	conversationIDPattern = regexp.MustCompile(`^conv_[a-z0-9]{24}$`)
)

// NewSessionID generates a new session ID with the "sess_" prefix followed by
// 12 random lowercase alphanumeric characters. Session IDs are minted here,
// never by the backend; the suffix only needs to be unlikely to collide
// within one deployment, not cryptographically unique.
func NewSessionID() string {
	return sessionIDPrefix + randomAlphanumeric(sessionIDLength)
}

// NewConversationID generates a conversation ID with the "conv_" prefix for
// callers that do not bring their own continuity key.
func NewConversationID() string {
	return conversationIDPrefix + randomAlphanumeric(conversationIDLength)
}

// ValidateSessionID checks whether the given string is a valid session ID
// (matches "sess_" + 12 lowercase alphanumeric characters).
func ValidateSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// IsGeneratedConversationID reports whether the given string is a
// conversation ID minted by NewConversationID. Caller-chosen conversation IDs
// are opaque and accepted in any shape within the validation length limits.
func IsGeneratedConversationID(id string) bool {
	return conversationIDPattern.MatchString(id)
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
