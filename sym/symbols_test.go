package sym

import (
	"testing"
	"unicode/utf8"
)

func TestSymbolsAreSingleRune(t *testing.T) {
	for _, s := range []string{Pulse, PulseOpen, PulseClose, DB, AM} {
		if n := utf8.RuneCountInString(s); n != 1 {
			t.Errorf("symbol %q has %d runes, want 1", s, n)
		}
	}
}
