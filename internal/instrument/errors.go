package instrument

import (
	"errors"
	"fmt"
)

// Kind classifies a DeviceError.
type Kind int

const (
	// KindIO covers transport failures: timeouts, refused or reset
	// connections, short writes.
	KindIO Kind = iota + 1
	// KindParse means a response could not be interpreted as the expected type.
	KindParse
	// KindNotConnected means the operation needs a session that is not open,
	// including failures to open one.
	KindNotConnected
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindParse:
		return "parse"
	case KindNotConnected:
		return "not_connected"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	ErrIO           = errors.New("instrument I/O error")
	ErrParse        = errors.New("unparseable instrument response")
	ErrNotConnected = errors.New("instrument not connected")

	// ErrTimeout is wrapped by KindIO errors when a read or write deadline expired.
	ErrTimeout = errors.New("instrument timed out")

	// ErrQueueNotDrained is returned by DrainErrorQueue when the read limit is
	// reached before the instrument reports an empty queue.
	ErrQueueNotDrained = errors.New("error queue not drained")
)

func (k Kind) sentinel() error {
	switch k {
	case KindIO:
		return ErrIO
	case KindParse:
		return ErrParse
	case KindNotConnected:
		return ErrNotConnected
	default:
		return nil
	}
}

// DeviceError is the single error type produced by sessions and drivers.
// errors.Is matches both the kind sentinel and the wrapped cause.
type DeviceError struct {
	Device string
	Op     string
	Kind   Kind
	Err    error
}

func (e *DeviceError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Device, e.Op)
	if s := e.Kind.sentinel(); s != nil {
		msg += ": " + s.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeviceError) Unwrap() []error {
	var errs []error
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// IOError wraps err as a KindIO failure of op on device.
func IOError(device, op string, err error) error {
	return &DeviceError{Device: device, Op: op, Kind: KindIO, Err: err}
}

// ParseError reports that raw could not be interpreted by op.
func ParseError(device, op, raw string, err error) error {
	if err == nil {
		return &DeviceError{Device: device, Op: op, Kind: KindParse, Err: fmt.Errorf("response %q", raw)}
	}
	return &DeviceError{Device: device, Op: op, Kind: KindParse, Err: fmt.Errorf("response %q: %w", raw, err)}
}

// NotConnectedError reports op attempted on a device without an open session.
func NotConnectedError(device, op string, err error) error {
	return &DeviceError{Device: device, Op: op, Kind: KindNotConnected, Err: err}
}

// KindOf returns the Kind of the first DeviceError in err's chain, or zero.
func KindOf(err error) Kind {
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}
