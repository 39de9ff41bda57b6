// Package measurements implements the MeasurementsWriter (§4.7 of
// SPEC_FULL.md): one row per invocation, persisted to an analytical
// store, plus the append-only rule-base parsed-fact cache (§3) when a
// backend chooses to persist it. Grounded on the teacher's
// graph/store.Store[S] interface.
package measurements

import "context"

// Row is one measurement row (§4.7).
type Row struct {
	SequenceID        int32
	ServiceName       string
	Operation         string
	ArrivalTime       int64 // ms since epoch
	InvocationTime    int64
	PublishTime       int64
	WorkflowStartTime int64
	BufferSize        int
	MaxQueueCapacity  int
	TotalMarking      int // BufferSize + 1

	// Valid is false when TotalTime() exceeds the 30000ms ceiling
	// (§8 property 5): "totalTime <= 30000ms or the row is tagged
	// invalid." Rows are still written when invalid — they are tagged,
	// not dropped.
	Valid bool
}

// TotalTime is PublishTime - ArrivalTime, the quantity property 5's
// 30000ms ceiling bounds.
func (r Row) TotalTime() int64 {
	return r.PublishTime - r.ArrivalTime
}

const ceilingMS = 30_000

// NewRow builds a Row from the orchestrator's captured timestamps,
// applying §4.7's field-preference rules and tagging validity per §8
// property 5. transportArrivalTime is the transport-captured
// eventArrivalTime (preferred) or zero if unavailable; taskArrivalTime
// is always available. orchestratorWorkflowStartTime is the
// orchestrator-captured value (preferred) or zero; monitorWorkflowStartTime
// is the monitor-data fallback.
func NewRow(sequenceID int32, service, operation string, transportArrivalTime, taskArrivalTime, invocationTime, publishTime, orchestratorWorkflowStartTime, monitorWorkflowStartTime int64, bufferSize, maxQueueCapacity int) Row {
	arrival := transportArrivalTime
	if arrival == 0 {
		arrival = taskArrivalTime
	}

	workflowStart := orchestratorWorkflowStartTime
	if workflowStart == 0 {
		workflowStart = monitorWorkflowStartTime
	}

	row := Row{
		SequenceID:        sequenceID,
		ServiceName:       service,
		Operation:         operation,
		ArrivalTime:       arrival,
		InvocationTime:    invocationTime,
		PublishTime:       publishTime,
		WorkflowStartTime: workflowStart,
		BufferSize:        bufferSize,
		MaxQueueCapacity:  maxQueueCapacity,
		TotalMarking:      bufferSize + 1,
	}
	row.Valid = row.TotalTime() <= ceilingMS
	return row
}

// Filter narrows Rows queries.
type Filter struct {
	ServiceName string
	Operation   string
}

// Store is the MeasurementsWriter's persistence contract, grounded on
// graph/store.Store[S].
type Store interface {
	WriteRow(ctx context.Context, row Row) error
	Rows(ctx context.Context, filter Filter) ([]Row, error)
}

// RuleCache is the optional put-if-absent persistence contract for the
// rule-base fact cache (§3 "cache is append-only, cleared only on
// shutdown"), implemented by backends that want cold-restart reuse.
type RuleCache interface {
	SaveParsedRuleBase(ctx context.Context, version string, data []byte) error
	LoadParsedRuleBase(ctx context.Context, version string) ([]byte, bool, error)
}
