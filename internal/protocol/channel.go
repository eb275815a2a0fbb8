package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"

	pkgerrors "github.com/pkg/errors"
)

const DefaultMaxLineBytes = 1 << 20

var ErrLineTooLong = errors.New("request line exceeds size limit")

// MalformedError is a request that could not be parsed, is missing fields,
// or names an image that cannot be read.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *MalformedError) Unwrap() error { return e.Err }

func (e *MalformedError) Kind() string { return "RequestMalformedError" }

// NewMalformedError wraps err as a request-level error with a stack trace.
func NewMalformedError(reason string, err error) error {
	return pkgerrors.WithStack(&MalformedError{Reason: reason, Err: err})
}

func malformed(format string, args ...any) error {
	return pkgerrors.WithStack(&MalformedError{Reason: fmt.Sprintf(format, args...)})
}

// ParseRequest decodes one request line. On a field error the returned
// request still carries the id, so the error can be correlated.
func ParseRequest(line []byte) (Request, error) {
	var req Request
	if !utf8.Valid(line) {
		return req, malformed("request is not valid UTF-8")
	}
	if err := json.Unmarshal(line, &req); err != nil {
		// A wrongly typed field still leaves the other fields decoded.
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return Request{}, malformed("invalid request JSON: %v", err)
		}
		req.ID = validID(req.ID)
		return req, malformed("invalid request field %q: %v", typeErr.Field, err)
	}
	if req.ID = validID(req.ID); req.ID == nil {
		return req, malformed("request missing 'id' field")
	}
	if req.ImagePath == "" {
		return req, malformed("request missing 'image_path' field")
	}
	return req, nil
}

func validID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 || bytes.Equal(id, []byte("null")) {
		return nil
	}
	return id
}

// Reader yields newline-terminated lines, discarding any line longer than
// the limit.
type Reader struct {
	r   *bufio.Reader
	max int
}

func NewReader(r io.Reader, maxLineBytes int) *Reader {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	return &Reader{r: bufio.NewReader(r), max: maxLineBytes}
}

// ReadLine returns the next line without its terminator. It returns
// ErrLineTooLong after skipping an oversized line, and io.EOF at the end.
func (r *Reader) ReadLine() ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := r.r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > r.max+1 {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && (len(line) > 0 || tooLong) {
				break
			}
			return nil, err
		}
		break
	}
	if tooLong {
		return nil, ErrLineTooLong
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

// Writer serializes messages, one per line, and flushes each one.
type Writer struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) Write(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return w.w.Flush()
}
