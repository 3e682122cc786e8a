// Package sendqueue implements the durable queue of MsgToSend entities,
// adapted from chasquid's internal/queue.Queue (in-memory map synced to
// disk) but backed by internal/entitystore instead of hand-rolled
// protoio, and built around the worker pool's transactional needs
// (scan-due, claim, complete) instead of chasquid's one-goroutine-per-item
// send loop.
package sendqueue

import (
	"fmt"
	"sort"
	"time"

	"ogn.dev/smtpsender/internal/entitystore"
	"ogn.dev/smtpsender/internal/message"
	"ogn.dev/smtpsender/internal/retry"
	"ogn.dev/smtpsender/internal/set"
	"ogn.dev/smtpsender/internal/trace"
)

const kind = "msgtosend"

// storageRoot is the ID of the singleton "sender storage parent" entity
// every MsgToSend is stored under.
const storageRoot = "sender-storage-root"

// ErrNotFound is returned when an operation references an entity ID that
// does not exist in the queue.
var ErrNotFound = fmt.Errorf("sendqueue: message not found")

// Queue is the durable store of outbound messages.
type Queue struct {
	store *entitystore.Store
}

// New wraps store as a message queue. The store must already be loaded.
func New(store *entitystore.Store) *Queue {
	return &Queue{store: store}
}

// SendMessage creates msg in NonFinalIdle and persists it, assigning an
// EntityID and timestamps if they are not already set. msg must not
// already exist in the queue.
func (q *Queue) SendMessage(msg *message.MsgToSend) error {
	if msg.EntityID.IsZero() {
		msg.EntityID = message.NewEntityID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.NextAttemptTime.IsZero() {
		msg.NextAttemptTime = msg.CreatedAt
	}
	msg.Status = message.NonFinalIdle

	return q.store.RunTxExclusive(func(tx *entitystore.Tx) error {
		return tx.Put(kind, msg.EntityID.String(), storageRoot, msg)
	})
}

// RemoveIdleMessage deletes a message, which must currently be
// NonFinalIdle.
func (q *Queue) RemoveIdleMessage(id message.EntityID) error {
	return q.store.RunTxExclusive(func(tx *entitystore.Tx) error {
		m := &message.MsgToSend{}
		ok, err := tx.Get(id.String(), m)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if m.Status != message.NonFinalIdle {
			return fmt.Errorf("sendqueue: cannot remove %s: status is %s, not NonFinalIdle", id, m.Status)
		}
		return tx.Delete(id.String())
	})
}

// Get returns the current state of a message.
func (q *Queue) Get(id message.EntityID) (*message.MsgToSend, bool, error) {
	m := &message.MsgToSend{}
	var ok bool
	err := q.store.RunTx(func(tx *entitystore.Tx) error {
		var gerr error
		ok, gerr = tx.Get(id.String(), m)
		return gerr
	})
	if err != nil || !ok {
		return nil, ok, err
	}
	return m, true, nil
}

// DueMessages returns every NonFinalIdle message whose NextAttemptTime is
// at or before now, ordered by NextAttemptTime ascending, breaking ties by
// descending Priority.
func (q *Queue) DueMessages(now time.Time) ([]*message.MsgToSend, error) {
	var due []*message.MsgToSend
	err := q.store.RunTx(func(tx *entitystore.Tx) error {
		for _, id := range tx.ChildrenOfKind(storageRoot, kind) {
			m := &message.MsgToSend{}
			ok, err := tx.Get(id, m)
			if err != nil {
				return err
			}
			if !ok || m.Status != message.NonFinalIdle {
				continue
			}
			if !m.NextAttemptTime.After(now) {
				due = append(due, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptTime.Equal(due[j].NextAttemptTime) {
			return due[i].NextAttemptTime.Before(due[j].NextAttemptTime)
		}
		return due[i].Priority > due[j].Priority
	})
	return due, nil
}

// Enumerate iterates every persisted message in batches of batchSize,
// invoking fn once per batch in a stable order. fn returns false to stop
// iteration early.
func (q *Queue) Enumerate(batchSize int, fn func([]*message.MsgToSend) bool) error {
	if batchSize < 1 {
		batchSize = 1
	}

	var batch []*message.MsgToSend
	err := q.store.RunTx(func(tx *entitystore.Tx) error {
		for _, id := range tx.ChildrenOfKind(storageRoot, kind) {
			m := &message.MsgToSend{}
			ok, err := tx.Get(id, m)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			batch = append(batch, m)
			if len(batch) == batchSize {
				if !fn(batch) {
					return errStopIteration
				}
				batch = nil
			}
		}
		return nil
	})
	if err == errStopIteration {
		return nil
	}
	if err != nil {
		return err
	}
	if len(batch) > 0 {
		fn(batch)
	}
	return nil
}

var errStopIteration = fmt.Errorf("sendqueue: iteration stopped")

// ResetSending moves every NonFinalSending message back to NonFinalIdle,
// for crash recovery at startup, and returns the affected messages.
func (q *Queue) ResetSending() ([]*message.MsgToSend, error) {
	var reset []*message.MsgToSend
	err := q.store.RunTxExclusive(func(tx *entitystore.Tx) error {
		for _, id := range tx.ChildrenOfKind(storageRoot, kind) {
			m := &message.MsgToSend{}
			ok, err := tx.Get(id, m)
			if err != nil {
				return err
			}
			if !ok || m.Status != message.NonFinalSending {
				continue
			}
			m.Status = message.NonFinalIdle
			if err := tx.Put(kind, id, storageRoot, m); err != nil {
				return err
			}
			cp := *m
			reset = append(reset, &cp)
		}
		return nil
	})
	return reset, err
}

// BeginAttempt transitions a NonFinalIdle message to NonFinalSending and
// returns a snapshot safe for the caller to run a delivery attempt
// against outside of any transaction.
func (q *Queue) BeginAttempt(id message.EntityID) (*message.MsgToSend, error) {
	var snapshot *message.MsgToSend
	err := q.store.RunTxExclusive(func(tx *entitystore.Tx) error {
		m := &message.MsgToSend{}
		ok, err := tx.Get(id.String(), m)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if m.Status != message.NonFinalIdle {
			return fmt.Errorf("sendqueue: %s is not idle (status=%s)", id, m.Status)
		}
		m.Status = message.NonFinalSending
		if err := tx.Put(kind, id.String(), storageRoot, m); err != nil {
			return err
		}
		cp := *m
		cp.PendingMailboxes = append([]string(nil), m.PendingMailboxes...)
		cp.MailboxResults = append([]message.MailboxResult(nil), m.MailboxResults...)
		snapshot = &cp
		return nil
	})
	return snapshot, err
}

// CompleteAttempt merges the results of one attempt into the stored
// message, applies the retry scheduler, and transitions the message to
// its next status. It returns the updated message.
func (q *Queue) CompleteAttempt(tr *trace.Trace, id message.EntityID, results []message.MailboxResult) (*message.MsgToSend, error) {
	var updated *message.MsgToSend
	err := q.store.RunTxExclusive(func(tx *entitystore.Tx) error {
		m := &message.MsgToSend{}
		ok, err := tx.Get(id.String(), m)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}

		resolved := set.NewString()
		for _, res := range results {
			m.MailboxResults = append(m.MailboxResults, res)
			if res.State.IsTerminal() {
				resolved.Add(res.Mailbox)
			}
		}
		madeProgress := resolved.Len() > 0
		if resolved.Len() > 0 {
			still := m.PendingMailboxes[:0]
			for _, mbox := range m.PendingMailboxes {
				if !resolved.Has(mbox) {
					still = append(still, mbox)
				}
			}
			m.PendingMailboxes = still
		}

		switch {
		case len(m.PendingMailboxes) == 0:
			if m.AnySucceeded() {
				m.Status = message.FinalDelivered
			} else {
				m.Status = message.FinalGaveUp
			}
		default:
			schedule := retry.DefaultScheduleMinutes
			if m.CustomRetrySchedule {
				schedule = m.FutureRetryDelayMinutes
			}
			decision := retry.Next(m.AttemptCount(), schedule, madeProgress, time.Since(m.CreatedAt))
			if decision.GiveUp {
				m.Status = message.FinalGaveUp
			} else {
				m.Status = message.NonFinalIdle
				m.NextAttemptTime = time.Now().Add(decision.Delay)
			}
		}

		if err := tx.Put(kind, id.String(), storageRoot, m); err != nil {
			return err
		}
		cp := *m
		updated = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	tr.Debugf("completed attempt for %s: status=%s", id, updated.Status)
	return updated, nil
}
