package instrument

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"
	"unicode"
)

// Transport is one blocking connection to an instrument. Every
// implementation exchanges whole logical messages: WriteMessage appends the
// newline terminator, ReadMessage returns exactly one newline- or
// EOF-terminated response with trailing whitespace removed. After a read
// times out, the next WriteMessage first discards any late reply so that
// responses stay paired with their commands.
type Transport interface {
	WriteMessage(msg string) error
	ReadMessage() (string, error)
	Close() error
}

// maxMessageSize bounds a single response. Instruments answer in well under
// a kilobyte; anything larger means the framing is lost.
const maxMessageSize = 64 * 1024

// deadliner is implemented by net.Conn and *os.File.
type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// framedTransport buffers a byte stream and splits it on '\n', so socket
// reads that return partial or concatenated lines behave like a
// line-oriented bus read.
type framedTransport struct {
	rw      io.ReadWriteCloser
	timeout time.Duration
	buf     []byte
	chunk   []byte

	// zeroReadIsTimeout is set for ports whose Read returns (0, nil) when the
	// read timeout expires instead of an error.
	zeroReadIsTimeout bool

	// stale is set when a read timed out; a late reply may still arrive and
	// must be discarded before the next command.
	stale bool
}

func newFramedTransport(rw io.ReadWriteCloser, timeout time.Duration) *framedTransport {
	return &framedTransport{
		rw:      rw,
		timeout: timeout,
		chunk:   make([]byte, 4096),
	}
}

func (t *framedTransport) WriteMessage(msg string) error {
	if t.stale {
		t.resync()
	}
	if d, ok := t.rw.(deadliner); ok && t.timeout > 0 {
		if err := d.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil && !errors.Is(err, os.ErrNoDeadline) {
			return classifyTimeout(err)
		}
	}
	data := []byte(msg + "\n")
	for len(data) > 0 {
		n, err := t.rw.Write(data)
		if err != nil {
			return classifyTimeout(err)
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		data = data[n:]
	}
	return nil
}

func (t *framedTransport) ReadMessage() (string, error) {
	// A stream whose peer has gone away refuses deadlines; whatever is
	// buffered is all that is left.
	ended := false
	if d, ok := t.rw.(deadliner); ok && t.timeout > 0 {
		err := d.SetReadDeadline(time.Now().Add(t.timeout))
		switch {
		case err == nil, errors.Is(err, os.ErrNoDeadline):
		case isClosed(err):
			ended = true
		default:
			return "", classifyTimeout(err)
		}
	}

	idle := 0
	for {
		if i := bytes.IndexByte(t.buf, '\n'); i >= 0 {
			line := t.buf[:i]
			t.buf = t.buf[i+1:]
			return decodeMessage(line), nil
		}
		if len(t.buf) > maxMessageSize {
			t.buf = nil
			return "", fmt.Errorf("response exceeds %d bytes without terminator", maxMessageSize)
		}

		if ended {
			return t.endOfStream()
		}

		n, err := t.rw.Read(t.chunk)
		t.buf = append(t.buf, t.chunk[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return t.endOfStream()
			}
			return "", t.timedOut(classifyTimeout(err))
		}
		if n == 0 {
			if t.zeroReadIsTimeout {
				return "", t.timedOut(ErrTimeout)
			}
			idle++
			if idle > 100 {
				return "", io.ErrNoProgress
			}
			continue
		}
		idle = 0
	}
}

// endOfStream returns the unterminated remainder of the buffer, or
// io.ErrUnexpectedEOF when nothing is left.
func (t *framedTransport) endOfStream() (string, error) {
	if len(t.buf) > 0 {
		line := t.buf
		t.buf = nil
		return decodeMessage(line), nil
	}
	return "", io.ErrUnexpectedEOF
}

// timedOut drops a partial response after a read timeout and marks the
// stream for resync.
func (t *framedTransport) timedOut(err error) error {
	if errors.Is(err, ErrTimeout) {
		t.buf = nil
		t.stale = true
	}
	return err
}

// resync discards input that arrives within one timeout period, such as
// the late reply to a query whose read timed out.
func (t *framedTransport) resync() {
	t.stale = false
	t.buf = nil
	if d, ok := t.rw.(deadliner); ok && t.timeout > 0 {
		if err := d.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
			return
		}
	} else if !t.zeroReadIsTimeout {
		return
	}
	for discarded := 0; discarded <= maxMessageSize; {
		n, err := t.rw.Read(t.chunk)
		if err != nil || n == 0 {
			return
		}
		discarded += n
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed)
}

func (t *framedTransport) Close() error {
	return t.rw.Close()
}

// decodeMessage converts a raw line to text, replacing invalid UTF-8 and
// trimming trailing whitespace including any carriage return.
func decodeMessage(b []byte) string {
	s := strings.ToValidUTF8(string(b), "\uFFFD")
	return strings.TrimRightFunc(s, unicode.IsSpace)
}

type timeoutError interface {
	Timeout() bool
}

func classifyTimeout(err error) error {
	var te timeoutError
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &te) && te.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
