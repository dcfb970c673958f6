package util

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Common timeout durations shared across subsystems.
const (
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultCandidateTimeout   = 30 * time.Second
	DefaultStoreTimeout       = 10 * time.Second
)

// ConversationKey derives the shared storage key for two participants.
// The key is order-independent: ConversationKey(a, b) == ConversationKey(b, a)
// for all inputs, so both sides of a conversation resolve the same paths
// without coordinating. The sorted pair is hashed so participant IDs never
// leak into store paths verbatim.
func ConversationKey(idA, idB string) string {
	lo, hi := idA, idB
	if lo > hi {
		lo, hi = hi, lo
	}
	sum := sha256.Sum256([]byte(lo + "_" + hi))
	return hex.EncodeToString(sum[:16])
}

// ValidateParticipantID validates and normalizes a participant identifier.
// Returns the trimmed ID and an error if it cannot appear in a store path.
func ValidateParticipantID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("participant id is empty")
	}
	if strings.ContainsAny(id, "/. #$[]") {
		return "", errors.New("participant id must not contain path or wildcard characters")
	}
	return id, nil
}
