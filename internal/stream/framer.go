// Package stream converts raw child-process byte chunks into complete lines.
package stream

import (
	"bytes"
	"strings"
)

// Framer buffers arbitrary byte chunks and yields complete lines. The
// trailing partial line survives across calls; whitespace-only lines are
// suppressed. One Framer serves exactly one stream; stdout and stderr each
// get their own.
type Framer struct {
	partial []byte
}

// NewFramer creates an empty framer.
func NewFramer() *Framer {
	return &Framer{}
}

// Write consumes one chunk and returns every line completed by it, with
// the terminator stripped. A chunk may complete zero lines.
func (f *Framer) Write(chunk []byte) []string {
	f.partial = append(f.partial, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(f.partial, '\n')
		if i < 0 {
			break
		}
		line := string(f.partial[:i])
		f.partial = f.partial[i+1:]
		if trimmed := strings.TrimRight(line, "\r"); strings.TrimSpace(trimmed) != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}

// Flush returns the retained partial line at end of stream, or "" if the
// remainder is empty or whitespace-only. The framer is reset either way.
func (f *Framer) Flush() string {
	line := string(f.partial)
	f.partial = nil
	if strings.TrimSpace(line) == "" {
		return ""
	}
	return strings.TrimRight(line, "\r")
}
