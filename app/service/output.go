package service

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

const prefixNameMaxLen = 16

// OutputTail is io.Writer keeping last lines of action output, used for error messages of failed runs.
// Thread safe.
type OutputTail struct {
	max   int
	lines []string
	mu    sync.Mutex
}

// NewOutputTail makes OutputTail keeping up to max non-empty lines, nothing kept if max is 0
func NewOutputTail(maximum int) *OutputTail {
	return &OutputTail{max: maximum}
}

// Write satisfies io.Writer, older lines are dropped once the limit is reached
func (o *OutputTail) Write(p []byte) (n int, err error) {
	if o.max <= 0 {
		return len(p), nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for line := range bytes.SplitSeq(p, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if len(o.lines) >= o.max {
			o.lines = o.lines[1:]
		}
		o.lines = append(o.lines, string(bytes.TrimRight(line, "\r")))
	}
	return len(p), nil
}

// String returns kept lines joined by new line
func (o *OutputTail) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return strings.Join(o.lines, "\n")
}

// LinePrefixer is io.Writer adding {name} prefix to each line written to the underlying writer
type LinePrefixer struct {
	w      io.Writer
	prefix []byte
}

// NewLinePrefixer makes LinePrefixer, names longer than prefixNameMaxLen runes are cut
func NewLinePrefixer(w io.Writer, name string) *LinePrefixer {
	if r := []rune(name); len(r) > prefixNameMaxLen {
		name = string(r[:prefixNameMaxLen]) + "..."
	}
	return &LinePrefixer{w: w, prefix: []byte("{" + name + "} ")}
}

// Write prefixes every line of data. Returns count of data bytes written, prefixes are not counted.
func (p *LinePrefixer) Write(data []byte) (int, error) {
	var written int
	for line := range bytes.SplitAfterSeq(data, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if _, err := p.w.Write(p.prefix); err != nil {
			return written, err
		}
		n, err := p.w.Write(line)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
