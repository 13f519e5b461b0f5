package util

import (
	"strings"
	"testing"
)

func TestGeneratePairingCode_Format(t *testing.T) {
	code, err := GeneratePairingCode()
	if err != nil {
		t.Fatalf("GeneratePairingCode failed: %v", err)
	}
	if len(code) != 8 {
		t.Fatalf("expected 8-character code, got %q", code)
	}
	for _, c := range code {
		if !strings.ContainsRune(pairingCodeAlphabet, c) {
			t.Errorf("pairing code %q contains character %q outside the alphabet", code, c)
		}
	}
	for _, amb := range []string{"0", "1", "I", "L", "O", "l", "i", "o"} {
		if strings.Contains(code, amb) {
			t.Errorf("pairing code %q contains ambiguous character %q", code, amb)
		}
	}
}

func TestGeneratePairingCode_Varies(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := GeneratePairingCode()
		if err != nil {
			t.Fatalf("GeneratePairingCode failed: %v", err)
		}
		seen[code] = true
	}
	if len(seen) < 2 {
		t.Error("pairing codes do not vary")
	}
}
