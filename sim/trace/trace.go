package trace

// Level controls the verbosity of decision tracing.
type Level string

const (
	// LevelNone disables tracing (zero overhead).
	LevelNone Level = "none"
	// LevelDecisions captures control transitions and allocation tier
	// outcomes.
	LevelDecisions Level = "decisions"
)

// validLevels maps accepted trace level strings.
var validLevels = map[Level]bool{
	LevelNone:      true,
	LevelDecisions: true,
	"":             true, // empty defaults to none
}

// IsValidLevel returns true if the given level string is a recognized
// trace level.
func IsValidLevel(level string) bool {
	return validLevels[Level(level)]
}

// RunTrace collects decision records during a simulation run.
type RunTrace struct {
	Level       Level
	Transitions []TransitionRecord
	Allocations []AllocationRecord
}

// New creates a RunTrace ready for recording.
func New(level Level) *RunTrace {
	return &RunTrace{
		Level:       level,
		Transitions: make([]TransitionRecord, 0),
		Allocations: make([]AllocationRecord, 0),
	}
}

// RecordTransition appends a discrete-control transition record.
// No-op unless the trace level captures decisions.
func (rt *RunTrace) RecordTransition(record TransitionRecord) {
	if rt.Level != LevelDecisions {
		return
	}
	rt.Transitions = append(rt.Transitions, record)
}

// RecordAllocation appends an allocation tier outcome record.
// No-op unless the trace level captures decisions.
func (rt *RunTrace) RecordAllocation(record AllocationRecord) {
	if rt.Level != LevelDecisions {
		return
	}
	rt.Allocations = append(rt.Allocations, record)
}
