// Package util provides utility functions for the KefuPipe application.
package util

import (
	"crypto/rand"
	"fmt"
)

// pairingCodeAlphabet avoids ambiguous characters so codes survive being
// read aloud or typed from a phone screen.
const pairingCodeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// pairingCodeLength is the number of characters in a pairing code.
const pairingCodeLength = 8

// GeneratePairingCode generates a short human-typable pairing code.
// Codes gate DM access, so they are drawn from crypto/rand; rejection
// sampling keeps every character uniform over the alphabet.
func GeneratePairingCode() (string, error) {
	limit := byte(len(pairingCodeAlphabet) * (256 / len(pairingCodeAlphabet)))
	code := make([]byte, 0, pairingCodeLength)
	buf := make([]byte, 2*pairingCodeLength)
	for len(code) < pairingCodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate pairing code: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			code = append(code, pairingCodeAlphabet[int(b)%len(pairingCodeAlphabet)])
			if len(code) == pairingCodeLength {
				break
			}
		}
	}
	return string(code), nil
}
