package gate

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

const (
	verifyTokenBytes = 24
	actionTokenBytes = 16
)

const (
	purposeVerify    = "verify"
	purposeAuthorize = "authorize"
)

// tokenRecord is the stored value behind every verification token, action
// token and session key.
type tokenRecord struct {
	UserID    string    `json:"user_id"`
	Action    string    `json:"action"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r tokenRecord) encode() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode token record: %w", err)
	}
	return string(b), nil
}

func decodeRecord(s string) (tokenRecord, error) {
	var r tokenRecord
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return tokenRecord{}, fmt.Errorf("decode token record: %w", err)
	}
	return r, nil
}

// matches requires every field to line up; any mismatch invalidates the record.
func (r tokenRecord) matches(userID, action string, now time.Time) bool {
	return r.UserID != "" &&
		r.UserID == userID &&
		r.Action == action &&
		now.Before(r.ExpiresAt)
}

// randomToken returns n random bytes, base64url encoded.
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
