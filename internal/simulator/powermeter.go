package simulator

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
)

// Emitter reports the laser drive current seen by the power meter.
type Emitter interface {
	EmittingMA() float64
}

// PowerMeter simulates a multi-module optical power meter. Readings follow
// a simple laser model: below ThresholdMA only spontaneous emission reaches
// the detector, above it optical power grows by SlopeMWPerMA.
type PowerMeter struct {
	mu sync.Mutex

	identity   string
	modules    []int
	wavelength float64
	zeroed     bool
	errs       []string
	source     Emitter
	commands   []string

	ThresholdMA   float64
	SlopeMWPerMA  float64
	BackgroundMW  float64
	DisconnectDBm float64
}

// NewPowerMeter returns a simulator with modules 0 and 1 installed. source
// may be nil, in which case every reading is background.
func NewPowerMeter(source Emitter) *PowerMeter {
	return &PowerMeter{
		identity:      "SANTEC,MPM-210H,SIM00002,1.00",
		modules:       []int{0, 1},
		wavelength:    1550,
		source:        source,
		ThresholdMA:   20,
		SlopeMWPerMA:  0.5,
		BackgroundMW:  1e-6,
		DisconnectDBm: -99.999,
	}
}

// Zeroed reports whether ZERO has been received.
func (p *PowerMeter) Zeroed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.zeroed
}

// Wavelength returns the calibration wavelength in nanometres.
func (p *PowerMeter) Wavelength() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wavelength
}

// PushError appends an entry to the instrument error queue.
func (p *PowerMeter) PushError(e string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, e)
}

// Commands returns every command received so far.
func (p *PowerMeter) Commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.commands...)
}

// PowerDBm returns the reading the simulator would give for drive current
// mA on an installed module.
func (p *PowerMeter) PowerDBm(mA float64) float64 {
	mw := p.BackgroundMW + mA*1e-5
	if mA > p.ThresholdMA {
		mw += (mA - p.ThresholdMA) * p.SlopeMWPerMA
	}
	return 10 * math.Log10(mw)
}

// Respond implements Responder.
func (p *PowerMeter) Respond(cmd string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands = append(p.commands, cmd)

	verb, arg, _ := strings.Cut(cmd, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToUpper(verb) {
	case "*IDN?":
		return p.identity, true
	case "IDIS?":
		parts := make([]string, len(p.modules))
		for i, m := range p.modules {
			parts[i] = strconv.Itoa(m)
		}
		return strings.Join(parts, ","), true
	case "WAV?":
		return strconv.FormatFloat(p.wavelength, 'f', 3, 64), true
	case "WAV":
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil || v < 800 || v > 1700 {
			p.errs = append(p.errs, fmt.Sprintf("-222,Wavelength out of range %s", arg))
			return "", false
		}
		p.wavelength = v
	case "ZERO":
		p.zeroed = true
	case "READ?":
		m, err := strconv.Atoi(arg)
		if err != nil || !p.installed(m) {
			p.errs = append(p.errs, fmt.Sprintf("-104,Module %s not installed", arg))
			return strconv.FormatFloat(p.DisconnectDBm, 'f', 3, 64), true
		}
		mA := 0.0
		if p.source != nil {
			mA = p.source.EmittingMA()
		}
		return strconv.FormatFloat(p.PowerDBm(mA), 'f', 3, 64), true
	case "ERR?":
		if len(p.errs) == 0 {
			return "0,No error", true
		}
		e := p.errs[0]
		p.errs = p.errs[1:]
		return e, true
	default:
		p.errs = append(p.errs, fmt.Sprintf("-113,Undefined command %s", verb))
	}
	return "", false
}

func (p *PowerMeter) installed(m int) bool {
	for _, x := range p.modules {
		if x == m {
			return true
		}
	}
	return false
}
