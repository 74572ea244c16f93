package logmux

import "strings"

// sanitize makes a raw output line safe for the log file: invalid UTF-8 is
// replaced rather than rejected, CSI escape sequences are stripped, and a
// trailing carriage return is dropped.
func sanitize(raw []byte) string {
	s := string(stripEscapes(raw))
	s = strings.ToValidUTF8(s, "�")
	return strings.TrimSuffix(s, "\r")
}

// stripEscapes removes CSI sequences: ESC '[' then parameter bytes
// (0x30-0x3F) and intermediate bytes (0x20-0x2F), terminated by a final byte
// (0x40-0x7E). Other ESC-introduced sequences lose the ESC and their
// immediate follower. A trailing bare ESC is dropped.
func stripEscapes(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != 0x1b {
			out = append(out, b[i])
			continue
		}
		if i+1 >= len(b) {
			break
		}
		if b[i+1] != '[' {
			i++ // two-character escape, e.g. ESC c
			continue
		}
		j := i + 2
		for j < len(b) && b[j] >= 0x20 && b[j] <= 0x3f {
			j++
		}
		if j < len(b) && b[j] >= 0x40 && b[j] <= 0x7e {
			j++ // consume the final byte
		}
		i = j - 1
	}
	return out
}
