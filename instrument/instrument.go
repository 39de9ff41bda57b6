// Package instrument implements the Instrumenter (§4.8, §6.2): a
// structured event stream recording each token's BUFFERED/ENTER/EXIT/
// FORK/JOIN_CONSUMED/TERMINATE/GENERATED lifecycle points for later
// marking analysis and animated trace reconstruction. Grounded on the
// teacher's graph/emit.Emitter contract.
package instrument

import "context"

// EventType enumerates the instrumentation points named in §4.8.
type EventType string

const (
	Buffered     EventType = "BUFFERED"
	Enter        EventType = "ENTER"
	Exit         EventType = "EXIT"
	Fork         EventType = "FORK"
	JoinConsumed EventType = "JOIN_CONSUMED"
	Terminate    EventType = "TERMINATE"
	Generated    EventType = "GENERATED"
)

// Event is the §6.2 instrumentation event record.
type Event struct {
	Timestamp               int64 // ms since epoch
	TokenID                 int32
	PlaceOrTransition       string
	EventType               EventType
	ToPlace                 string
	TransitionID            string
	Marking                 int
	Buffer                  int
	WorkflowStartTime       int64
	ArcValue                string
	SourceEventGenerator    string
	EventGeneratorTimestamp int64
}

// Emitter receives instrumentation events, grounded on graph/emit.Emitter.
// Implementations must be non-blocking and thread-safe: the orchestrator
// calls Emit from its single event loop but multiple Places run
// concurrently in one process.
type Emitter interface {
	Emit(event Event)
	EmitBatch(ctx context.Context, events []Event) error
	Flush(ctx context.Context) error
}
