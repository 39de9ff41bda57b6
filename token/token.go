// Package token defines the Token envelope that flows between Places and
// the token-id genealogy rules used to relate a join's children to their
// parent workflow instance.
package token

import "time"

// Header carries routing and version identity for a Token.
type Header struct {
	SequenceID            int32  `json:"sequenceId"`
	RuleBaseVersion       string `json:"ruleBaseVersion"`
	MonitorIncomingEvents bool   `json:"monitorIncomingEvents"`
}

// Service identifies the destination place and operation for a Token.
type Service struct {
	ServiceName string `json:"serviceName"`
	Operation   string `json:"operation"`
}

// JoinAttribute carries one input slot's value plus the join deadline.
type JoinAttribute struct {
	AttributeName  string `json:"attributeName"`
	AttributeValue string `json:"attributeValue"`
	NotAfter       int64  `json:"notAfter"` // ms since epoch
	Status         string `json:"status"`
}

// MonitorData carries provenance used by analytics and animation.
type MonitorData struct {
	ProcessStartTime        int64  `json:"processStartTime"`
	EventArrivalTime        int64  `json:"eventArrivalTime"`
	EventGeneratorTimestamp int64  `json:"eventGeneratorTimestamp"`
	SourceEventGenerator    string `json:"sourceEventGenerator"`
}

// Token is the immutable envelope exchanged between Places (§3, §6.1 of
// SPEC_FULL.md). Token values are never mutated in place once constructed;
// routing produces new Token values for outgoing arcs.
type Token struct {
	Header        Header        `json:"header"`
	Service       Service       `json:"service"`
	JoinAttribute JoinAttribute `json:"joinAttribute"`
	MonitorData   MonitorData   `json:"monitorData"`
}

// ID returns the token's 32-bit sequence id.
func (t Token) ID() int32 { return t.Header.SequenceID }

// BranchNumber extracts the branch number encoded in the low two decimal
// digits of a token id: 0 for a parent, 1..99 for a child.
func BranchNumber(id int32) int32 {
	return id % 100
}

// JoinKey returns the parent/join key for a token id: the id with its
// branch digits zeroed out.
func JoinKey(id int32) int32 {
	return id - BranchNumber(id)
}

// IsChild reports whether id names a fork/join child (branch number > 0).
func IsChild(id int32) bool {
	return BranchNumber(id) > 0
}

// NewChildID derives the id of the branchNumber-th child of parent.
// branchNumber must be in [1,99]; the caller is responsible for assigning
// distinct branch numbers across siblings of one fork.
func NewChildID(parent int32, branchNumber int32) int32 {
	return JoinKey(parent) + branchNumber
}

// NotAfterTime converts the wire NotAfter (ms since epoch) to a time.Time.
func (j JoinAttribute) NotAfterTime() time.Time {
	return time.UnixMilli(j.NotAfter)
}
