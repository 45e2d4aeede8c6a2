package sweep

const (
	StateIdle State = iota
	StateHoming
	StatePositioning
	StateSettling
	StateTriggering
	StateAcquiring
	StateProcessing
	StatePersisting
	StateFaulted
	StateCompleted
	StateAborted
)

var stateNames = [...]string{
	StateIdle:        "idle",
	StateHoming:      "homing",
	StatePositioning: "positioning",
	StateSettling:    "settling",
	StateTriggering:  "triggering",
	StateAcquiring:   "acquiring",
	StateProcessing:  "processing",
	StatePersisting:  "persisting",
	StateFaulted:     "faulted",
	StateCompleted:   "completed",
	StateAborted:     "aborted",
}

// State is the step the orchestrator is currently executing
type State int32

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Progress is a snapshot of the orchestrator for monitoring
type Progress struct {
	RunID      string     `json:"runId,omitempty"`
	State      State      `json:"state"`
	Index      int        `json:"index"`
	Total      int        `json:"total"`
	Coordinate Coordinate `json:"coordinate"`
	Faults     int        `json:"faults"`
}
