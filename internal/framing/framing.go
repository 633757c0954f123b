// Package framing splits byte streams into messages and writes them back out,
// either one message per line or as Content-Length delimited blocks.
package framing

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
)

type Mode int

const (
	// Lines frames one message per line.
	Lines Mode = iota
	// Header frames each message as a header block announcing a Content-Length
	// followed by exactly that many bytes.
	Header
)

// DefaultMaxMessageBytes bounds the body of a single header-framed message.
const DefaultMaxMessageBytes = 64 * 1024 * 1024

var (
	ErrInvalidMode     = errors.New("framing: invalid mode")
	ErrMessageTooLarge = errors.New("framing: message too large")
)

func (m Mode) String() string {
	switch m {
	case Lines:
		return "lines"
	case Header:
		return "header"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// ParseMode accepts "lines" (also "jsonl", "newline") and "header"
// (also "content-length", "lsp").
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lines", "line", "jsonl", "newline":
		return Lines, nil
	case "header", "headers", "content-length", "lsp":
		return Header, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Reader yields raw message payloads from a byte stream. It is not safe for
// concurrent use and cannot be restarted after it returns io.EOF.
type Reader struct {
	r        *bufio.Reader
	mode     Mode
	maxBytes int
}

func NewReader(r io.Reader, mode Mode) *Reader {
	return NewReaderSize(r, mode, DefaultMaxMessageBytes)
}

// NewReaderSize is NewReader with an explicit body limit for header mode.
// A non-positive limit disables the check.
func NewReaderSize(r io.Reader, mode Mode, maxBytes int) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{r: br, mode: mode, maxBytes: maxBytes}
}

// Next returns the next payload. In line mode blank lines are returned as
// empty payloads so the caller can decide to skip them. io.EOF marks the
// end of the stream.
func (r *Reader) Next() ([]byte, error) {
	if r.mode == Header {
		return r.nextHeader()
	}
	return r.nextLine()
}

func (r *Reader) nextLine() ([]byte, error) {
	line, err := r.r.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			// unterminated final line
			return trimEOL(line), nil
		}
		return nil, err
	}
	return trimEOL(line), nil
}

func (r *Reader) nextHeader() ([]byte, error) {
	length := 0
	for {
		line, err := r.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(key)) == "Content-Length" {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				n = 0
			}
			length = n
		}
	}

	// A block without a usable length terminates the stream.
	if length == 0 {
		return nil, io.EOF
	}
	if r.maxBytes > 0 && length > r.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrMessageTooLarge, length, r.maxBytes)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// Writer emits one framed message per call and flushes before returning.
type Writer struct {
	w    *bufio.Writer
	mode Mode
}

func NewWriter(w io.Writer, mode Mode) *Writer {
	return &Writer{w: bufio.NewWriter(w), mode: mode}
}

// Write frames payload and flushes it to the underlying sink.
func (w *Writer) Write(payload []byte) error {
	switch w.mode {
	case Header:
		if _, err := fmt.Fprintf(w.w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
			return err
		}
		if _, err := w.w.Write(payload); err != nil {
			return err
		}
	default:
		if _, err := w.w.Write(payload); err != nil {
			return err
		}
		if err := w.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.w.Flush()
}

// WriteString frames the UTF-8 bytes of s.
func (w *Writer) WriteString(s string) error {
	return w.Write([]byte(s))
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}
