package instrument

import (
	"context"
	"errors"
	"sync"
	"time"
)

// TestableTransport implements Transport with scripted behaviour for testing.
// Responses are queued either directly with Push or by the Respond hook,
// which is called for every written command.
type TestableTransport struct {
	mu sync.Mutex

	// Respond, if set, returns the responses to queue for a written command.
	Respond func(cmd string) []string

	// WriteErrors fails every write of the keyed command.
	WriteErrors map[string]error

	// WriteError is returned by the next WriteMessage call if set
	WriteError error

	// ReadError is returned by the next ReadMessage call if set
	ReadError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadCalls records the number of ReadMessage calls
	ReadCalls int

	written []string
	queue   []string
}

// NewTestableTransport creates a TestableTransport with no queued responses.
func NewTestableTransport() *TestableTransport {
	return &TestableTransport{WriteErrors: make(map[string]error)}
}

// Push queues responses for subsequent reads.
func (t *TestableTransport) Push(resp ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = append(t.queue, resp...)
}

// Written returns a copy of every command written so far.
func (t *TestableTransport) Written() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.written...)
}

// WriteMessage records msg and queues any scripted responses.
func (t *TestableTransport) WriteMessage(msg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return errors.New("transport closed")
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return err
	}
	if err, ok := t.WriteErrors[msg]; ok {
		return err
	}
	t.written = append(t.written, msg)
	if t.Respond != nil {
		t.queue = append(t.queue, t.Respond(msg)...)
	}
	return nil
}

// ReadMessage pops the next queued response. An empty queue behaves like an
// instrument that never answers.
func (t *TestableTransport) ReadMessage() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++
	if t.Closed {
		return "", errors.New("transport closed")
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return "", err
	}
	if len(t.queue) == 0 {
		return "", ErrTimeout
	}
	resp := t.queue[0]
	t.queue = t.queue[1:]
	return resp, nil
}

// Close marks the transport closed.
func (t *TestableTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return t.CloseError
}

// StaticOpener returns an Opener that always hands out t.
func StaticOpener(t Transport) Opener {
	return OpenerFunc(func(context.Context, Endpoint, time.Duration) (Transport, error) {
		return t, nil
	})
}

// FailingOpener returns an Opener that always fails with err.
func FailingOpener(err error) Opener {
	return OpenerFunc(func(context.Context, Endpoint, time.Duration) (Transport, error) {
		return nil, err
	})
}
