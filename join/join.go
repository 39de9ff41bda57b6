// Package join implements the JoinCoordinator (§4.3 of SPEC_FULL.md):
// per-join-key state tracking partial inputs, expected arity, deadline,
// and participant genealogy, plus the OPTIMIZED/SEQUENTIAL firing
// disciplines. It is grounded on the teacher's graph/checkpoint.go
// idempotency/deadline bookkeeping, generalized from checkpoint
// put-if-absent slots to join-slot put-if-absent semantics.
package join

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Mode selects how the coordinator decides which ready join fires next.
type Mode int

const (
	// Optimized fires any join whose expected arity is met, scanned in
	// ascending key order; expired keys are removed in the same pass.
	Optimized Mode = iota
	// Sequential only allows the lowest-keyed join to fire; if it is
	// incomplete, later-completed joins block even when ready.
	Sequential
)

// ErrNoProgress is returned by Scan in Sequential mode when the
// lowest-keyed join is not yet complete and therefore blocks every other
// ready join, matching the teacher's graph.ErrNoProgress semantics
// (deadlock/no-runnable-work detection) generalized to "nothing is
// permitted to fire this pass."
var ErrNoProgress = errors.New("join: lowest-keyed join incomplete; blocking higher-keyed joins")

// Contribution records one branch's arrival at a join key (§3).
type Contribution struct {
	BranchTokenID    int32
	WorkflowStartTime int64
	SlotsFilled       []string
}

// state is the mutable per-key join record (§3 "Join state").
type state struct {
	mu            sync.Mutex
	inputs        map[string]string // slot name -> first value seen
	expectedArity int
	arityIsSet    bool
	deadline      int64 // ms since epoch; max of all notAfter seen
	contributions []Contribution
}

// Coordinator tracks join state across every key currently open at one
// Place. A Coordinator is safe for concurrent use: per-key state is
// guarded independently so that contention on one join key never blocks
// progress on another (§5 "each entry independently mutable").
type Coordinator struct {
	mode Mode

	mu    sync.Mutex
	table map[int32]*state
}

// New creates an empty Coordinator in the given firing mode.
func New(mode Mode) *Coordinator {
	return &Coordinator{mode: mode, table: make(map[int32]*state)}
}

func (c *Coordinator) entry(key int32) *state {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.table[key]
	if !ok {
		s = &state{inputs: make(map[string]string)}
		c.table[key] = s
	}
	return s
}

// Contribute records one slot value for joinKey, created lazily on first
// use (§3 Lifecycle). It is idempotent per (key, slot): only the first
// value for a slot is retained (property 8); expectedArity is pinned on
// first contribution and re-entrant tokens must supply the same value.
//
// deadline is the token's notAfter, folded into the join's deadline as
// the maximum ever observed for this key (§4.3 "Deadlines"). Contribute
// does not compare it with the current time; TryFire and IsExpired do.
func (c *Coordinator) Contribute(joinKey int32, branchTokenID int32, slot, value string, expectedArity int, deadline time.Time, workflowStartTime int64) error {
	s := c.entry(joinKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.arityIsSet && s.expectedArity != expectedArity {
		return &ErrArityMismatch{JoinKey: joinKey, Expected: s.expectedArity, Got: expectedArity}
	}
	if !s.arityIsSet {
		s.expectedArity = expectedArity
		s.arityIsSet = true
	}

	deadlineMs := deadline.UnixMilli()
	if deadlineMs > s.deadline {
		s.deadline = deadlineMs
	}

	if _, exists := s.inputs[slot]; !exists {
		s.inputs[slot] = value // put-if-absent (property 8)
		s.contributions = append(s.contributions, Contribution{
			BranchTokenID:     branchTokenID,
			WorkflowStartTime: workflowStartTime,
			SlotsFilled:       []string{slot},
		})
	}

	return nil
}

// ErrArityMismatch signals that a re-entrant token supplied a different
// expected arity than the one already pinned for this join key, violating
// the §3 invariant "the expected arity for a key is immutable once set."
type ErrArityMismatch struct {
	JoinKey  int32
	Expected int
	Got      int
}

func (e *ErrArityMismatch) Error() string {
	return "join: arity mismatch for key"
}

// Result describes a successfully fired join (§4.3 firing procedure).
type Result struct {
	JoinKey            int32
	SurvivingTokenID    int32
	WorkflowStartTime   int64
	Args                map[string]string
	ConsumedBranchIDs   []int32
}

// TryFire attempts to fire joinKey per the firing procedure of §4.3:
// re-verify completeness and deadline, build the ordered input tuple,
// select the lowest branch token id as survivor, and report every other
// contribution as consumed. slotOrder gives the canonical input-slot
// order to build Args in (ordered per the rule base's inputCollection).
//
// Returns (Result, true, nil) on success; (Result{}, false, nil) if the
// key is not yet complete or its deadline has passed (caller should
// retry later, or clean up on expiry — see IsExpired and Expire); an error only on
// invariant violation (missing slot at fire time, which should not
// happen if arity bookkeeping is correct).
func (c *Coordinator) TryFire(joinKey int32, slotOrder []string, now time.Time) (Result, bool, error) {
	c.mu.Lock()
	s, ok := c.table[joinKey]
	c.mu.Unlock()
	if !ok {
		return Result{}, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.arityIsSet || len(s.inputs) < s.expectedArity {
		return Result{}, false, nil
	}
	if now.UnixMilli() >= s.deadline {
		return Result{}, false, nil
	}

	args := make(map[string]string, len(slotOrder))
	for _, slot := range slotOrder {
		v, ok := s.inputs[slot]
		if !ok {
			return Result{}, false, &ErrMissingSlot{JoinKey: joinKey, Slot: slot}
		}
		args[slot] = v
	}

	sorted := append([]Contribution(nil), s.contributions...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].BranchTokenID < sorted[j].BranchTokenID
	})

	survivor := sorted[0]
	var consumed []int32
	for _, c := range sorted[1:] {
		consumed = append(consumed, c.BranchTokenID)
	}

	c.mu.Lock()
	delete(c.table, joinKey)
	c.mu.Unlock()

	return Result{
		JoinKey:           joinKey,
		SurvivingTokenID:  survivor.BranchTokenID,
		WorkflowStartTime: survivor.WorkflowStartTime,
		Args:              args,
		ConsumedBranchIDs: consumed,
	}, true, nil
}

// ErrMissingSlot indicates a join was found "complete" by arity count but
// a named canonical slot was absent at fire time — an invariant
// violation the orchestrator surfaces as a WorkflowDefinitionError and
// uses to clean up the join key (§7).
type ErrMissingSlot struct {
	JoinKey int32
	Slot    string
}

func (e *ErrMissingSlot) Error() string {
	return "join: missing canonical slot at fire time"
}

// ReadyKeys returns every join key currently tracked, in ascending order,
// used by Scan to decide firing order and by the periodic sweep (§5) to
// find expired keys.
func (c *Coordinator) ReadyKeys() []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]int32, 0, len(c.table))
	for k := range c.table {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// IsComplete reports whether joinKey currently has at least expectedArity
// slots filled, without consuming it (used by Scan's SEQUENTIAL check).
func (c *Coordinator) IsComplete(joinKey int32) bool {
	c.mu.Lock()
	s, ok := c.table[joinKey]
	c.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arityIsSet && len(s.inputs) >= s.expectedArity
}

// Mode returns the coordinator's configured firing mode.
func (c *Coordinator) Mode() Mode { return c.mode }

// Clear removes every tracked join key, used by the orchestrator's
// shutdown sequence (§5 "clears join-related maps").
func (c *Coordinator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table = make(map[int32]*state)
}

// Expire removes joinKey from the table, e.g. after deadline expiry
// (§7 DeadlineExpired: "mark for cleanup; the participating tokens are
// dropped").
func (c *Coordinator) Expire(joinKey int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.table, joinKey)
}

// IsExpired reports whether joinKey's deadline has passed as of now. A
// key with no recorded deadline (not yet contributed to) is never
// expired.
func (c *Coordinator) IsExpired(joinKey int32, now time.Time) bool {
	c.mu.Lock()
	s, ok := c.table[joinKey]
	c.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline != 0 && now.UnixMilli() >= s.deadline
}
