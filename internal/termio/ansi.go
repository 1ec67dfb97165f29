// Package termio handles the terminal side of PTY workers: ANSI stripping,
// terminal query auto-responses, bounded scrollback, and prompt detection.
package termio

import "strings"

// StripANSI removes escape sequences from terminal output, leaving the text
// an agent actually printed. Handled forms: CSI (ESC [ ... final byte), OSC
// (ESC ] ... BEL or ESC \), charset designation (ESC ( X and friends), and
// two-character escapes. Sequences split across chunk boundaries can leak a
// fragment; verification tolerates that because it searches for injected
// text, not exact frames.
func StripANSI(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if c != '\x1b' {
			b.WriteRune(c)
			continue
		}
		if i+1 >= len(runes) {
			break
		}
		switch next := runes[i+1]; {
		case next == '[':
			// CSI: parameters end at an alphabetic final byte, '@' or '`'.
			i++
			for i+1 < len(runes) {
				i++
				nc := runes[i]
				if isASCIIAlpha(nc) || nc == '@' || nc == '`' {
					break
				}
			}
		case next == ']':
			// OSC: terminated by BEL or ESC \.
			i++
			for i+1 < len(runes) {
				i++
				nc := runes[i]
				if nc == '\x07' {
					break
				}
				if nc == '\x1b' && i+1 < len(runes) && runes[i+1] == '\\' {
					i++
					break
				}
			}
		case next == '(' || next == ')' || next == '*' || next == '+':
			// Charset designation consumes one more character.
			i += 2
		case next >= '0' && next <= '~':
			i++
		default:
			// Bare ESC before an unexpected rune: drop the ESC only.
		}
	}
	return b.String()
}

func isASCIIAlpha(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

type queryState int

const (
	qIdle queryState = iota
	qEsc
	qCsi
	qCsiQmark
	qCsi6
	qCsiQmark6
)

// QueryResponder watches agent output for terminal status queries and
// produces the replies the agent expects. CLIs probe the terminal with a
// cursor position report (ESC [ 6 n, or the DEC variant with '?') and hang
// waiting for an answer; since nothing human is attached to the PTY, the
// worker must answer. The parser keeps state across chunks.
type QueryResponder struct {
	state queryState
}

var (
	cursorPositionReply    = []byte("\x1b[1;1R")
	decCursorPositionReply = []byte("\x1b[?1;1R")
)

// Feed scans a raw output chunk and returns replies to write back to the
// PTY, in order of the queries found.
func (q *QueryResponder) Feed(chunk []byte) [][]byte {
	var replies [][]byte
	for _, c := range chunk {
		switch {
		case c == 0x1b:
			q.state = qEsc
		case q.state == qEsc && c == '[':
			q.state = qCsi
		case q.state == qCsi && c == '?':
			q.state = qCsiQmark
		case q.state == qCsi && c == '6':
			q.state = qCsi6
		case q.state == qCsiQmark && c == '6':
			q.state = qCsiQmark6
		case q.state == qCsi6 && c == 'n':
			replies = append(replies, cursorPositionReply)
			q.state = qIdle
		case q.state == qCsiQmark6 && c == 'n':
			replies = append(replies, decCursorPositionReply)
			q.state = qIdle
		default:
			q.state = qIdle
		}
	}
	return replies
}
