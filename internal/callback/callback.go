// Package callback dispatches the three observability hooks the worker
// invokes around each delivery attempt: OnReset, OnAttempt, and OnResult.
// It serialises the internal message.MsgToSend/MailboxResult structures
// into the plain records a host application sees, and isolates the
// worker from a panicking or slow callback.
package callback

import (
	"ogn.dev/smtpsender/internal/message"
	"ogn.dev/smtpsender/internal/trace"
)

// ResetRecord describes one message recovered from NonFinalSending back to
// NonFinalIdle at startup.
type ResetRecord struct {
	EntityID message.EntityID
	FromAddress string
	ToDomain    string
}

// AttemptRecord describes a message about to be attempted.
type AttemptRecord struct {
	EntityID         message.EntityID
	FromAddress      string
	ToDomain         string
	PendingMailboxes []string
}

// ResultRecord describes the outcome of one completed attempt.
type ResultRecord struct {
	EntityID            message.EntityID
	FromAddress         string
	ToDomain            string
	MailboxResults      []message.MailboxResult
	TLSAssuranceAchieved message.TLSRequirement
}

// Set holds the three user-supplied hooks, plus the opaque context value
// echoed back to all of them. Any hook may be nil, in which case it is
// skipped.
type Set struct {
	Cx interface{}

	OnReset   func(cx interface{}, messages []ResetRecord)
	OnAttempt func(cx interface{}, m AttemptRecord)
	OnResult  func(cx interface{}, m ResultRecord)
}

// Reset invokes OnReset, if set, recovering from a panic in the callback so
// a misbehaving host application cannot take down the worker.
func (s Set) Reset(tr *trace.Trace, messages []ResetRecord) {
	if s.OnReset == nil {
		return
	}
	defer guard(tr, "OnReset")
	s.OnReset(s.Cx, messages)
}

// Attempt invokes OnAttempt, if set.
func (s Set) Attempt(tr *trace.Trace, m AttemptRecord) {
	if s.OnAttempt == nil {
		return
	}
	defer guard(tr, "OnAttempt")
	s.OnAttempt(s.Cx, m)
}

// Result invokes OnResult, if set.
func (s Set) Result(tr *trace.Trace, m ResultRecord) {
	if s.OnResult == nil {
		return
	}
	defer guard(tr, "OnResult")
	s.OnResult(s.Cx, m)
}

func guard(tr *trace.Trace, name string) {
	if r := recover(); r != nil {
		tr.Errorf("callback %s panicked: %v", name, r)
	}
}

// FromMessage builds an AttemptRecord from a durable message record.
func FromMessage(m *message.MsgToSend) AttemptRecord {
	return AttemptRecord{
		EntityID:         m.EntityID,
		FromAddress:      m.FromAddress,
		ToDomain:         m.ToDomain,
		PendingMailboxes: append([]string(nil), m.PendingMailboxes...),
	}
}

// ResultFromMessage builds a ResultRecord from a durable message record and
// the results of the attempt just completed.
func ResultFromMessage(m *message.MsgToSend, results []message.MailboxResult, achieved message.TLSRequirement) ResultRecord {
	return ResultRecord{
		EntityID:              m.EntityID,
		FromAddress:           m.FromAddress,
		ToDomain:              m.ToDomain,
		MailboxResults:        results,
		TLSAssuranceAchieved:  achieved,
	}
}
