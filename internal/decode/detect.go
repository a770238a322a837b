package decode

import (
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// Detector guesses the character encoding of raw message bytes. Heuristic
// quality varies by implementation, so the strategy is pluggable; the
// decoder only requires that Detect always returns a usable encoding.
type Detector interface {
	// Detect returns the guessed encoding, its canonical name, and whether
	// the guess is certain.
	Detect(raw []byte) (encoding.Encoding, string, bool)
}

// SniffDetector prefers UTF-8 whenever the bytes are valid UTF-8 and
// otherwise defers to the x/net/html/charset sniffer (BOM, declared
// charset, content heuristics, with a windows-1252 fallback that covers
// ASCII and ISO 8859-1).
type SniffDetector struct{}

func (SniffDetector) Detect(raw []byte) (encoding.Encoding, string, bool) {
	if utf8.Valid(raw) {
		return unicode.UTF8, "utf-8", true
	}
	return charset.DetermineEncoding(raw, "")
}
