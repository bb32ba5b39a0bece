// Package worker implements the persistent worker loop. A worker reads framed job requests from
// stdin, runs each job and writes a framed result to stdout. Frames are JSON bodies preceded by
// a Content-Length header block, the same framing used by language servers.
package worker

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"sync"
)

// MaxFrameSize limits a single frame body
const MaxFrameSize = 16 * 1024 * 1024

// ErrProtocol returned for malformed frames
var ErrProtocol = errors.New("protocol violation")

// Request is a job sent to the worker
type Request struct {
	Command        string            `json:"command"` // "run" or "exit"
	Action         string            `json:"action,omitempty"`
	Interpreter    string            `json:"interpreter,omitempty"`
	ActionFile     string            `json:"action_file,omitempty"`
	InputFile      string            `json:"input_file,omitempty"`
	ResultFile     string            `json:"result_file,omitempty"`
	OutputFile     string            `json:"output_file,omitempty"`
	ArtifactsDir   string            `json:"artifacts_dir,omitempty"`
	RequestContext map[string]string `json:"request_context,omitempty"`
	Env            []string          `json:"env,omitempty"`
	Reuse          bool              `json:"reuse"`
}

// Response is the result of a job
type Response struct {
	ReturnCode int    `json:"returncode"`
	Error      string `json:"error,omitempty"`
}

// commands
const (
	CmdRun  = "run"
	CmdExit = "exit"
)

// Codec reads and writes Content-Length framed JSON messages. Reads and writes may run concurrently,
// concurrent writes are serialized.
type Codec struct {
	r *textproto.Reader
	w io.Writer

	mu sync.Mutex
}

// NewCodec makes codec reading from r and writing to w
func NewCodec(r io.Reader, w io.Writer) *Codec {
	return &Codec{r: textproto.NewReader(bufio.NewReader(r)), w: w}
}

// Write sends v as one frame
func (c *Codec) Write(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.w, "Content-Length: %d\r\n\r\n", len(body)); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := c.w.Write(body); err != nil {
		return fmt.Errorf("failed to write frame body: %w", err)
	}
	return nil
}

// Read receives one frame into v. Returns io.EOF if the stream ended cleanly before a frame started,
// any other malformed or truncated input is ErrProtocol.
func (c *Codec) Read(v any) error {
	hdr, err := c.r.ReadMIMEHeader()
	if err != nil {
		if errors.Is(err, io.EOF) && len(hdr) == 0 {
			return io.EOF
		}
		return fmt.Errorf("%w: bad header: %v", ErrProtocol, err)
	}
	size, err := strconv.Atoi(hdr.Get("Content-Length"))
	if err != nil || size < 0 {
		return fmt.Errorf("%w: bad content length %q", ErrProtocol, hdr.Get("Content-Length"))
	}
	if size > MaxFrameSize {
		return fmt.Errorf("%w: frame too large, %d bytes", ErrProtocol, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.r.R, body); err != nil {
		return fmt.Errorf("%w: truncated frame: %v", ErrProtocol, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: bad frame body: %v", ErrProtocol, err)
	}
	return nil
}
