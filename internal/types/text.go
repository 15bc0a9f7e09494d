package types

import (
	"strings"
	"unicode/utf8"
)

// MaxStoredErrorLen caps error text written to error and last_error columns.
const MaxStoredErrorLen = 2048

// SanitizeText makes s safe for a Postgres text column. Invalid UTF-8 is
// replaced with U+FFFD, NUL bytes are dropped, and the result is cut to at
// most maxBytes without splitting a character. maxBytes <= 0 disables the
// cut.
func SanitizeText(s string, maxBytes int) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	if strings.IndexByte(s, 0) >= 0 {
		s = strings.ReplaceAll(s, "\x00", "")
	}
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
