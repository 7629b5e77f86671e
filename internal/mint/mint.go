// Package mint generates the short identifiers and secrets used by the relay:
// session codes, participant ids, client labels and host resume tokens.
package mint

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// Alphabet is the restricted code alphabet. 0/O, 1/I and L are omitted so
// codes survive being read aloud or typed from a screen.
const Alphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

const (
	// DefaultCodeLength is the session code length when not configured.
	DefaultCodeLength = 6

	participantIDLength = 3
	labelSuffixLength   = 2
	resumeTokenBytes    = 24 // 48 hex characters
)

// HostLabel is the fixed display label for the host peer.
const HostLabel = "HQ"

// HostColor is the fixed display color for the host peer.
const HostColor = "#f7768e"

// Palette is the 10-entry client color palette, assigned cyclically via the
// session's color cursor.
var Palette = [10]string{
	"#7aa2f7", "#9ece6a", "#e0af68", "#bb9af7", "#7dcfff",
	"#f7768e", "#73daca", "#ff9e64", "#b4f9f8", "#c0caf5",
}

func randomString(n int) (string, error) {
	max := big.NewInt(int64(len(Alphabet)))
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("reading random index: %w", err)
		}
		b.WriteByte(Alphabet[idx.Int64()])
	}
	return b.String(), nil
}

// SessionCode generates a session code of the given length. Collision with a
// live session is the caller's concern; the registry retries on collision.
func SessionCode(length int) (string, error) {
	if length <= 0 {
		length = DefaultCodeLength
	}
	return randomString(length)
}

// ParticipantID generates a short participant id, unique enough within a
// single session.
func ParticipantID() (string, error) {
	return randomString(participantIDLength)
}

// ClientLabel generates a display label for a joining client.
func ClientLabel() (string, error) {
	suffix, err := randomString(labelSuffixLength)
	if err != nil {
		return "", err
	}
	return "UNIT-" + suffix, nil
}

// ResumeToken generates the opaque secret that lets a host rebind a fresh
// transport to its session. 48 hex characters from a CSPRNG.
func ResumeToken() (string, error) {
	buf := make([]byte, resumeTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
