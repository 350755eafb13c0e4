// Package currentsource drives a laser-diode/TEC current source.
package currentsource

import (
	"context"
	"strconv"
	"strings"

	"github.com/banshee-data/optobench/internal/instrument"
)

// Command vocabulary. The strings are sent verbatim.
const (
	cmdIdentify     = "*IDN?"
	cmdModeQuery    = "SOURce:FUNCtion:MODE?"
	cmdModeSet      = "SOURce:FUNCtion:MODE "
	cmdCurrentQuery = "SOURce:CURRent:LEVel:IMMediate:AMPLitude?"
	cmdCurrentSet   = "SOURce:CURRent:LEVel:IMMediate:AMPLitude "
	cmdLaserQuery   = "OUTPut:STATe?"
	cmdLaserSet     = "OUTPut:STATe "
	cmdTECQuery     = "OUTPut2:STATe?"
	cmdTECEnable    = "OUTPut2:STATe ON"
	cmdErrorQuery   = "SYSTem:ERRor?"
)

// ModeCurrent is the constant-current operating mode.
const ModeCurrent = "CURRent"

// Device is a current source reached through an instrument session.
// Getters always query the instrument; nothing is cached.
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

// Mode returns the source operating mode as reported, e.g. "CURR".
func (d *Device) Mode(ctx context.Context) (string, error) {
	return d.s.Query(ctx, cmdModeQuery)
}

// SetMode selects the source operating mode.
func (d *Device) SetMode(ctx context.Context, mode string) error {
	return d.s.Write(ctx, cmdModeSet+mode)
}

// Current returns the current setpoint in amperes.
func (d *Device) Current(ctx context.Context) (float64, error) {
	resp, err := d.s.Query(ctx, cmdCurrentQuery)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(resp), 64)
	if err != nil {
		return 0, instrument.ParseError(d.s.Name(), "get current", resp, err)
	}
	return v, nil
}

// SetCurrent sets the current setpoint in amperes. The value is not range
// checked; the instrument rejects out-of-range values into its error queue.
func (d *Device) SetCurrent(ctx context.Context, amps float64) error {
	return d.s.Write(ctx, cmdCurrentSet+strconv.FormatFloat(amps, 'f', -1, 64))
}

// LaserOutput reports whether the laser output is enabled.
func (d *Device) LaserOutput(ctx context.Context) (bool, error) {
	resp, err := d.s.Query(ctx, cmdLaserQuery)
	if err != nil {
		return false, err
	}
	return instrument.ParseBool(resp), nil
}

// SetLaserOutput enables or disables the laser output.
func (d *Device) SetLaserOutput(ctx context.Context, on bool) error {
	state := "OFF"
	if on {
		state = "ON"
	}
	return d.s.Write(ctx, cmdLaserSet+state)
}

// TECState reports whether temperature control is active.
func (d *Device) TECState(ctx context.Context) (bool, error) {
	resp, err := d.s.Query(ctx, cmdTECQuery)
	if err != nil {
		return false, err
	}
	return instrument.ParseBool(resp), nil
}

// EnableTEC switches temperature control on.
func (d *Device) EnableTEC(ctx context.Context) error {
	return d.s.Write(ctx, cmdTECEnable)
}

// NextError reads one entry from the instrument error queue.
func (d *Device) NextError(ctx context.Context) (string, error) {
	return d.s.Query(ctx, cmdErrorQuery)
}

// DrainErrorQueue reads the error queue until it reports no error.
func (d *Device) DrainErrorQueue(ctx context.Context) ([]string, error) {
	return instrument.DrainErrorQueue(ctx, d.s, cmdErrorQuery, d.drainLimit)
}

// ArmsLaser reports whether a raw command line would switch the laser
// output on. It understands the short and long header forms, an optional
// leading colon, the implied STATe node and ';'-joined commands.
func ArmsLaser(line string) bool {
	for _, cmd := range strings.Split(line, ";") {
		fields := strings.Fields(cmd)
		if len(fields) < 2 || !instrument.ParseBool(fields[1]) {
			continue
		}
		nodes := strings.Split(strings.TrimPrefix(strings.ToUpper(fields[0]), ":"), ":")
		switch nodes[0] {
		case "OUTP", "OUTPUT", "OUTP1", "OUTPUT1":
		default:
			continue
		}
		if len(nodes) == 1 || (len(nodes) == 2 && (nodes[1] == "STAT" || nodes[1] == "STATE")) {
			return true
		}
	}
	return false
}
