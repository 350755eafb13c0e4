package instrument

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/optobench/internal/monitoring"
	"github.com/banshee-data/optobench/internal/timeutil"
)

var logf = monitoring.Component("instrument")

// SessionConfig holds the fixed parameters of a Session.
type SessionConfig struct {
	// Name labels the device in errors, logs and metrics.
	Name    string
	Address Address

	// Timeout bounds connecting and every read or write.
	Timeout time.Duration

	// QuerySettle is waited between the write and read halves of Query.
	QuerySettle time.Duration

	// Opener creates the transport. Nil uses SystemOpener.
	Opener Opener
	Clock  timeutil.Clock
}

// Session wraps a Transport with an explicit connect/disconnect lifecycle.
// A Session starts disconnected and never reconnects on its own. Callers
// that share a Session between goroutines serialise command sequences
// themselves; the internal lock only protects the transport handle.
type Session struct {
	cfg SessionConfig

	mu sync.Mutex
	t  Transport
	id string
}

// NewSession returns a disconnected session.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Opener == nil {
		cfg.Opener = SystemOpener{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Address.String()
	}
	return &Session{cfg: cfg}
}

// Name returns the device label.
func (s *Session) Name() string { return s.cfg.Name }

// Address returns the configured address.
func (s *Session) Address() Address { return s.cfg.Address }

// Connect opens the transport and identifies the instrument with *IDN?.
// An existing connection is closed first. On failure the session is left
// disconnected.
func (s *Session) Connect(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", NotConnectedError(s.cfg.Name, "connect", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked()

	ep, err := s.cfg.Address.Endpoint()
	if err != nil {
		return "", s.fail("connect", NotConnectedError(s.cfg.Name, "connect", err))
	}

	start := time.Now()
	t, err := s.cfg.Opener.Open(ctx, ep, s.cfg.Timeout)
	if err != nil {
		return "", s.fail("connect", NotConnectedError(s.cfg.Name, "connect", err))
	}
	s.t = t

	if err := s.t.WriteMessage("*IDN?"); err != nil {
		s.closeLocked()
		return "", s.fail("connect", IOError(s.cfg.Name, "identify", err))
	}
	id, err := s.t.ReadMessage()
	if err != nil {
		s.closeLocked()
		return "", s.fail("connect", IOError(s.cfg.Name, "identify", err))
	}
	s.id = id
	s.observe("connect", start)

	logf("%s connected via %s (%s): %s", s.cfg.Name, ep.Kind, s.cfg.Address, id)
	return id, nil
}

// Disconnect closes the transport. It is a no-op when not connected.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.t == nil {
		return nil
	}
	err := s.t.Close()
	s.t = nil
	s.id = ""
	if err != nil {
		return IOError(s.cfg.Name, "disconnect", err)
	}
	logf("%s disconnected", s.cfg.Name)
	return nil
}

// IsConnected reports whether a transport is open.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t != nil
}

// Identity returns the *IDN? response from the last successful Connect.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Write sends one command.
func (s *Session) Write(ctx context.Context, cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(ctx, cmd)
}

// Read receives one response.
func (s *Session) Read(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(ctx)
}

// Query writes cmd, waits QuerySettle and reads the response.
func (s *Session) Query(ctx context.Context, cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	if err := s.writeLocked(ctx, cmd); err != nil {
		return "", err
	}
	if err := timeutil.SleepContext(ctx, s.cfg.Clock, s.cfg.QuerySettle); err != nil {
		return "", s.fail("query", IOError(s.cfg.Name, "query "+cmd, err))
	}
	resp, err := s.readLocked(ctx)
	if err != nil {
		return "", err
	}
	s.observe("query", start)
	return resp, nil
}

func (s *Session) writeLocked(ctx context.Context, cmd string) error {
	if s.t == nil {
		return s.fail("write", NotConnectedError(s.cfg.Name, "write "+cmd, nil))
	}
	if err := ctx.Err(); err != nil {
		return s.fail("write", IOError(s.cfg.Name, "write "+cmd, err))
	}
	start := time.Now()
	if err := s.t.WriteMessage(cmd); err != nil {
		return s.fail("write", IOError(s.cfg.Name, "write "+cmd, err))
	}
	s.observe("write", start)
	return nil
}

func (s *Session) readLocked(ctx context.Context) (string, error) {
	if s.t == nil {
		return "", s.fail("read", NotConnectedError(s.cfg.Name, "read", nil))
	}
	if err := ctx.Err(); err != nil {
		return "", s.fail("read", IOError(s.cfg.Name, "read", err))
	}
	start := time.Now()
	resp, err := s.t.ReadMessage()
	if err != nil {
		return "", s.fail("read", IOError(s.cfg.Name, "read", err))
	}
	s.observe("read", start)
	return resp, nil
}

func (s *Session) closeLocked() {
	if s.t == nil {
		return
	}
	if err := s.t.Close(); err != nil {
		logf("%s: close failed: %v", s.cfg.Name, err)
	}
	s.t = nil
	s.id = ""
}

func (s *Session) observe(op string, start time.Time) {
	monitoring.InstrumentCommands.WithLabelValues(s.cfg.Name, op).Inc()
	monitoring.InstrumentLatency.WithLabelValues(s.cfg.Name, op).Observe(time.Since(start).Seconds())
}

func (s *Session) fail(op string, err error) error {
	monitoring.InstrumentCommands.WithLabelValues(s.cfg.Name, op).Inc()
	kind := KindOf(err)
	if errors.Is(err, ErrTimeout) {
		monitoring.InstrumentErrors.WithLabelValues(s.cfg.Name, "timeout").Inc()
	} else {
		monitoring.InstrumentErrors.WithLabelValues(s.cfg.Name, kind.String()).Inc()
	}
	return err
}
