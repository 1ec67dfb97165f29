package termio

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// Scrollback is a bounded buffer of cleaned terminal output. The delivery
// engine searches it for the echo of injected text while the worker keeps
// appending, so access is synchronized. When the budget is exceeded the
// oldest quarter is trimmed on a rune boundary so partial code points never
// appear at the front.
type Scrollback struct {
	mu  sync.Mutex
	buf []byte
	max int
}

// NewScrollback creates a scrollback holding at most max bytes.
func NewScrollback(max int) *Scrollback {
	if max < 1024 {
		max = 1024
	}
	return &Scrollback{max: max}
}

// Append adds cleaned output, trimming from the front when over budget.
func (s *Scrollback) Append(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, text...)
	if len(s.buf) > s.max {
		keep := s.max * 3 / 4
		start := ceilRuneBoundary(s.buf, len(s.buf)-keep)
		s.buf = append(s.buf[:0:0], s.buf[start:]...)
	}
}

// Contains reports whether needle currently appears in the buffer.
func (s *Scrollback) Contains(needle string) bool {
	if needle == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Contains(string(s.buf), needle)
}

// Tail returns up to maxBytes of the newest output, starting on a rune
// boundary.
func (s *Scrollback) Tail(maxBytes int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) <= maxBytes {
		return string(s.buf)
	}
	start := ceilRuneBoundary(s.buf, len(s.buf)-maxBytes)
	return string(s.buf[start:])
}

// Len returns the buffered byte count.
func (s *Scrollback) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// ceilRuneBoundary returns the smallest index >= i that starts a rune.
func ceilRuneBoundary(b []byte, i int) int {
	if i <= 0 {
		return 0
	}
	if i >= len(b) {
		return len(b)
	}
	for i < len(b) && !utf8.RuneStart(b[i]) {
		i++
	}
	return i
}

// TruncateRunes cuts s to at most maxBytes without splitting a code point,
// used for log fields and exit tails.
func TruncateRunes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	i := maxBytes
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}
