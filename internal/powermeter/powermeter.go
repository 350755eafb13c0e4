// Package powermeter drives a multi-module optical power meter.
package powermeter

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/optobench/internal/instrument"
)

const (
	cmdIdentify        = "*IDN?"
	cmdModules         = "IDIS?"
	cmdRead            = "READ? "
	cmdWavelengthQuery = "WAV?"
	cmdWavelengthSet   = "WAV "
	cmdZero            = "ZERO"
	cmdErrorQuery      = "ERR?"
)

// Device is a power meter reached through an instrument session.
type Device struct {
	s          *instrument.Session
	drainLimit int
}

// New returns a driver on s. drainLimit bounds DrainErrorQueue; zero uses
// instrument.DefaultDrainLimit.
func New(s *instrument.Session, drainLimit int) *Device {
	return &Device{s: s, drainLimit: drainLimit}
}

// Session returns the underlying session.
func (d *Device) Session() *instrument.Session { return d.s }

// Connect opens the session and returns the instrument identity.
func (d *Device) Connect(ctx context.Context) (string, error) {
	return d.s.Connect(ctx)
}

// IsConnected reports whether the session is open.
func (d *Device) IsConnected() bool { return d.s.IsConnected() }

// Disconnect closes the session.
func (d *Device) Disconnect() error { return d.s.Disconnect() }

// Identify queries *IDN? on an open session.
func (d *Device) Identify(ctx context.Context) (string, error) {
	return d.s.Query(ctx, cmdIdentify)
}

// Modules returns the recognised-module report as the instrument sends it.
func (d *Device) Modules(ctx context.Context) (string, error) {
	return d.s.Query(ctx, cmdModules)
}

// ReadPower reads one module. The reading is returned as text in the
// instrument's units and is not validated.
func (d *Device) ReadPower(ctx context.Context, module int) (string, error) {
	return d.s.Query(ctx, cmdRead+strconv.Itoa(module))
}

// Wavelength returns the calibration wavelength in nanometres.
func (d *Device) Wavelength(ctx context.Context) (float64, error) {
	resp, err := d.s.Query(ctx, cmdWavelengthQuery)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return 0, instrument.ParseError(d.s.Name(), "get wavelength", resp, err)
	}
	return v, nil
}

// SetWavelength sets the calibration wavelength in nanometres.
func (d *Device) SetWavelength(ctx context.Context, nm float64) error {
	return d.s.Write(ctx, cmdWavelengthSet+strconv.FormatFloat(nm, 'f', -1, 64))
}

// PerformZeroing starts offset zeroing. It returns once the command is
// sent; readings are not trustworthy until the instrument has settled,
// which the caller must wait for.
func (d *Device) PerformZeroing(ctx context.Context) error {
	return d.s.Write(ctx, cmdZero)
}

// NextError reads one entry from the instrument error queue.
func (d *Device) NextError(ctx context.Context) (string, error) {
	return d.s.Query(ctx, cmdErrorQuery)
}

// DrainErrorQueue reads the error queue until it reports no error.
func (d *Device) DrainErrorQueue(ctx context.Context) ([]string, error) {
	return instrument.DrainErrorQueue(ctx, d.s, cmdErrorQuery, d.drainLimit)
}

// ParseModuleMask parses a recognised-module report such as "0,1,3" into
// module indices. Blank entries are ignored.
func ParseModuleMask(resp string) ([]int, error) {
	var mods []int
	for _, f := range strings.FieldsFunc(resp, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }) {
		m, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid module %q in %q: %w", f, resp, err)
		}
		mods = append(mods, m)
	}
	return mods, nil
}

// InstalledModules queries and parses the recognised-module report.
func (d *Device) InstalledModules(ctx context.Context) ([]int, error) {
	resp, err := d.Modules(ctx)
	if err != nil {
		return nil, err
	}
	mods, err := ParseModuleMask(resp)
	if err != nil {
		return nil, instrument.ParseError(d.s.Name(), "get modules", resp, err)
	}
	return mods, nil
}
