package intent

import (
	"encoding/base64"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"
)

// Encoding method names reported by DetectObfuscation.
const (
	MethodNone   = "None"
	MethodROT13  = "ROT13"
	MethodBase64 = "Base64"
	MethodHex    = "Hexadecimal"
)

// ROT13-encoded forms of common attack vocabulary: key, crazy, secret,
// access, password, assist.
var rot13Signatures = []string{"xrl", "penml", "frperg", "npprff", "cnffjbeq", "nffvfg"}

var (
	base64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/]+=*$`)
	hexPattern    = regexp.MustCompile(`^[0-9A-Fa-f]+$`)
)

// DetectObfuscation checks a prompt for the encodings attackers use to
// smuggle payloads past keyword filters and decodes the first one that
// matches. Returns (obfuscated, decoded text, method name). Clean input
// comes back unchanged with MethodNone.
func DetectObfuscation(text string) (bool, string, string) {
	if looksROT13(text) {
		return true, rot13(text), MethodROT13
	}
	if looksBase64(text) {
		if raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text)); err == nil {
			decoded := sanitizeDecoded(raw)
			if isReadable(decoded) {
				return true, decoded, MethodBase64
			}
		}
	}
	if looksHex(text) {
		clean := strings.ReplaceAll(strings.TrimSpace(text), " ", "")
		if raw, err := hex.DecodeString(clean); err == nil {
			decoded := sanitizeDecoded(raw)
			if isReadable(decoded) {
				return true, decoded, MethodHex
			}
		}
	}
	return false, text, MethodNone
}

// looksROT13 matches the encoded forms of high-signal words. Frequency
// analysis would be more general but these six cover real payloads.
func looksROT13(text string) bool {
	lower := strings.ToLower(text)
	for _, sig := range rot13Signatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

func looksBase64(text string) bool {
	trimmed := strings.TrimSpace(text)
	if !base64Pattern.MatchString(trimmed) {
		return false
	}
	return len(text) > 10 && strings.Count(text, "=") <= 2
}

func looksHex(text string) bool {
	clean := strings.ReplaceAll(strings.TrimSpace(text), " ", "")
	if len(clean) < 20 || len(clean)%2 != 0 {
		return false
	}
	return hexPattern.MatchString(clean)
}

func rot13(text string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return 'a' + (r-'a'+13)%26
		case r >= 'A' && r <= 'Z':
			return 'A' + (r-'A'+13)%26
		}
		return r
	}, text)
}

func sanitizeDecoded(raw []byte) string {
	return strings.ToValidUTF8(string(raw), "")
}

// isReadable rejects decodes that are pure binary noise. Printable text or
// anything containing a letter or digit passes.
func isReadable(s string) bool {
	if s == "" {
		return false
	}
	printable := true
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
		if !unicode.IsPrint(r) {
			printable = false
		}
	}
	return printable
}
