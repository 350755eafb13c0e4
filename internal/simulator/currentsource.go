package simulator

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// MaxCurrentA is the simulated current limit.
const MaxCurrentA = 1.5

// CurrentSource simulates a laser-diode/TEC controller.
type CurrentSource struct {
	mu sync.Mutex

	identity string
	tec      bool
	laser    bool
	mode     string
	currentA float64
	errs     []string

	// log of every command received, for tests
	commands []string
}

// NewCurrentSource returns a simulator with the TEC enabled and the laser
// off.
func NewCurrentSource() *CurrentSource {
	return &CurrentSource{
		identity: "Thorlabs,CLD1015,SIM00001,1.0.0",
		tec:      true,
		mode:     "CURR",
	}
}

// SetTEC forces the thermal controller state.
func (c *CurrentSource) SetTEC(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tec = on
}

// LaserOn reports the laser output state.
func (c *CurrentSource) LaserOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.laser
}

// CurrentMA returns the setpoint in milliamps.
func (c *CurrentSource) CurrentMA() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentA * 1000
}

// EmittingMA returns the drive current when the laser is on and the TEC
// active, and zero otherwise.
func (c *CurrentSource) EmittingMA() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.laser || !c.tec {
		return 0
	}
	return c.currentA * 1000
}

// PushError appends an entry to the instrument error queue.
func (c *CurrentSource) PushError(e string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, e)
}

// Commands returns every command received so far.
func (c *CurrentSource) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

// Respond implements Responder.
func (c *CurrentSource) Respond(cmd string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, cmd)

	verb, arg, _ := strings.Cut(cmd, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToUpper(verb) {
	case "*IDN?":
		return c.identity, true
	case "OUTPUT2:STATE?":
		return onOff(c.tec), true
	case "OUTPUT2:STATE":
		v, ok := parseState(arg)
		if !ok {
			c.errs = append(c.errs, `-224,"Illegal parameter value"`)
			return "", false
		}
		c.tec = v
		if !v {
			c.laser = false
		}
	case "OUTPUT:STATE?":
		return onOff(c.laser), true
	case "OUTPUT:STATE":
		v, ok := parseState(arg)
		if !ok {
			c.errs = append(c.errs, `-224,"Illegal parameter value"`)
			return "", false
		}
		if v && !c.tec {
			c.errs = append(c.errs, `-221,"Settings conflict; TEC is off"`)
			return "", false
		}
		c.laser = v
	case "SOURCE:FUNCTION:MODE?":
		return c.mode, true
	case "SOURCE:FUNCTION:MODE":
		switch strings.ToUpper(arg) {
		case "CURR", "CURRENT":
			c.mode = "CURR"
		case "POW", "POWER":
			c.mode = "POW"
		default:
			c.errs = append(c.errs, `-224,"Illegal parameter value"`)
		}
	case "SOURCE:CURRENT:LEVEL:IMMEDIATE:AMPLITUDE?":
		return strconv.FormatFloat(c.currentA, 'E', 6, 64), true
	case "SOURCE:CURRENT:LEVEL:IMMEDIATE:AMPLITUDE":
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			c.errs = append(c.errs, `-104,"Data type error"`)
			return "", false
		}
		if v < 0 || v > MaxCurrentA {
			c.errs = append(c.errs, `-222,"Data out of range"`)
			return "", false
		}
		c.currentA = v
	case "SYSTEM:ERROR?":
		if len(c.errs) == 0 {
			return `+0,"No error"`, true
		}
		e := c.errs[0]
		c.errs = c.errs[1:]
		return e, true
	default:
		c.errs = append(c.errs, fmt.Sprintf(`-113,"Undefined header; %s"`, verb))
	}
	return "", false
}

func onOff(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseState(s string) (bool, bool) {
	switch strings.ToUpper(s) {
	case "ON", "1":
		return true, true
	case "OFF", "0":
		return false, true
	}
	return false, false
}
