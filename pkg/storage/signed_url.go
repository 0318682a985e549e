package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignedURLSigner mints and verifies download tokens for archived
// roster exports. A token is base64(courseID|expiry|path) plus an
// HMAC-SHA256 tag, so it carries everything needed to serve the file
// without a lookup table.
type SignedURLSigner struct {
	secret []byte
	ttl    time.Duration
}

func NewSignedURLSigner(secret string, ttl time.Duration) *SignedURLSigner {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SignedURLSigner{secret: []byte(secret), ttl: ttl}
}

func (s *SignedURLSigner) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// Generate returns a token for the archived file along with its expiry.
func (s *SignedURLSigner) Generate(courseID, relPath string) (string, time.Time, error) {
	if courseID == "" || relPath == "" {
		return "", time.Time{}, fmt.Errorf("course id and path required")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("signing secret missing")
	}
	expiresAt := time.Now().Add(s.ttl)
	payload := []byte(fmt.Sprintf("%s|%d|%s", courseID, expiresAt.Unix(), relPath))
	token := base64.RawURLEncoding.EncodeToString(payload) +
		"." + base64.RawURLEncoding.EncodeToString(s.sign(payload))
	return token, expiresAt, nil
}

// Parse verifies a token and unpacks its claims. With allowExpired the
// expiry check is skipped, which cleanup routines use to resolve paths
// of stale archives.
func (s *SignedURLSigner) Parse(token string, allowExpired bool) (courseID, relPath string, expiresAt time.Time, err error) {
	body, tag, ok := strings.Cut(token, ".")
	if !ok {
		return "", "", time.Time{}, fmt.Errorf("malformed token")
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("decode token: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(tag)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("decode signature: %w", err)
	}
	if !hmac.Equal(sig, s.sign(payload)) {
		return "", "", time.Time{}, fmt.Errorf("signature mismatch")
	}

	parts := strings.SplitN(string(payload), "|", 3)
	if len(parts) != 3 {
		return "", "", time.Time{}, fmt.Errorf("malformed token payload")
	}
	unix, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("malformed expiry")
	}
	expiresAt = time.Unix(unix, 0)
	if !allowExpired && time.Now().After(expiresAt) {
		return "", "", time.Time{}, fmt.Errorf("token expired")
	}
	return parts[0], parts[2], expiresAt, nil
}
