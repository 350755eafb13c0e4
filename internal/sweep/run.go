package sweep

import "time"

// State is a step of the sweep state machine.
type State string

const (
	StateValidating  State = "validating"
	StateSafetyCheck State = "safety_check"
	StateZeroing     State = "zeroing"
	StatePriming     State = "priming"
	StateStepping    State = "stepping"
	StateFinalizing  State = "finalizing"
	StateCompleted   State = "completed"
	StateAborted     State = "aborted"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// TimestampFormat is the layout of Record.Timestamp.
const TimestampFormat = time.RFC3339Nano

// Record is one measurement. Power is the meter's reading exactly as
// returned by the instrument.
type Record struct {
	Timestamp string  `json:"timestamp"`
	CurrentMA float64 `json:"current_mA"`
	Power     string  `json:"power"`
	Module    int     `json:"module"`
}

// Run is the outcome of one sweep invocation.
type Run struct {
	ID           string     `json:"id"`
	Params       Params     `json:"params"`
	State        State      `json:"state"`
	AbortedIn    State      `json:"aborted_in,omitempty"`
	TotalSteps   int        `json:"total_steps"`
	Records      []Record   `json:"records"`
	ArtifactPath string     `json:"artifact_path,omitempty"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.Records = append([]Record(nil), r.Records...)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
