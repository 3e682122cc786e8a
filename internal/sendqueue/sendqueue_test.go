package sendqueue

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"ogn.dev/smtpsender/internal/entitystore"
	"ogn.dev/smtpsender/internal/message"
	"ogn.dev/smtpsender/internal/testlib"
	"ogn.dev/smtpsender/internal/trace"
)

func mustQueue(t *testing.T) *Queue {
	t.Helper()
	dir := testlib.MustTempDir(t)
	t.Cleanup(func() { testlib.RemoveIfOk(t, dir) })
	store, err := entitystore.New(dir)
	if err != nil {
		t.Fatalf("entitystore.New: %v", err)
	}
	if err := store.Load(); err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	return New(store)
}

func newMsg(toDomain string, mailboxes ...string) *message.MsgToSend {
	return &message.MsgToSend{
		FromAddress:      "me@me",
		ToDomain:         toDomain,
		PendingMailboxes: mailboxes,
		ContentPart1:     []byte("data"),
	}
}

func TestSendAndDue(t *testing.T) {
	q := mustQueue(t)
	msg := newMsg("to", "to@to")

	if err := q.SendMessage(msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.Status != message.NonFinalIdle {
		t.Fatalf("status = %s, want NonFinalIdle", msg.Status)
	}

	due, err := q.DueMessages(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("DueMessages: %v", err)
	}
	if len(due) != 1 || due[0].EntityID != msg.EntityID {
		t.Fatalf("unexpected due set: %+v", due)
	}
}

func TestDueOrdersByNextAttemptTime(t *testing.T) {
	q := mustQueue(t)
	now := time.Now()

	late := newMsg("to", "late@to")
	late.NextAttemptTime = now.Add(-time.Minute)
	early := newMsg("to", "early@to")
	early.NextAttemptTime = now.Add(-time.Hour)

	if err := q.SendMessage(late); err != nil {
		t.Fatalf("SendMessage(late): %v", err)
	}
	if err := q.SendMessage(early); err != nil {
		t.Fatalf("SendMessage(early): %v", err)
	}

	due, err := q.DueMessages(now)
	if err != nil {
		t.Fatalf("DueMessages: %v", err)
	}
	if len(due) != 2 || due[0].EntityID != early.EntityID || due[1].EntityID != late.EntityID {
		t.Fatalf("unexpected order: %+v", due)
	}
}

func TestBeginAttemptClaimsOnce(t *testing.T) {
	q := mustQueue(t)
	msg := newMsg("to", "to@to")
	if err := q.SendMessage(msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	snapshot, err := q.BeginAttempt(msg.EntityID)
	if err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}
	if snapshot.Status != message.NonFinalSending {
		t.Errorf("snapshot status = %s, want NonFinalSending", snapshot.Status)
	}

	if _, err := q.BeginAttempt(msg.EntityID); err == nil {
		t.Fatalf("second BeginAttempt should have failed")
	}
}

func TestCompleteAttemptDelivered(t *testing.T) {
	q := mustQueue(t)
	msg := newMsg("to", "to@to")
	if err := q.SendMessage(msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if _, err := q.BeginAttempt(msg.EntityID); err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}

	updated, err := q.CompleteAttempt(trace.New("test", "complete"), msg.EntityID, []message.MailboxResult{
		{Mailbox: "to@to", State: message.Succeeded, SuccessMX: "mx.to"},
	})
	if err != nil {
		t.Fatalf("CompleteAttempt: %v", err)
	}
	if updated.Status != message.FinalDelivered {
		t.Errorf("status = %s, want FinalDelivered", updated.Status)
	}
	if len(updated.PendingMailboxes) != 0 {
		t.Errorf("pending mailboxes = %v, want empty", updated.PendingMailboxes)
	}

	want := []message.MailboxResult{
		{Mailbox: "to@to", State: message.Succeeded, SuccessMX: "mx.to"},
	}
	if diff := cmp.Diff(want, updated.MailboxResults, cmpopts.IgnoreFields(message.MailboxResult{}, "Time")); diff != "" {
		t.Errorf("MailboxResults mismatch (-want +got):\n%s", diff)
	}
}

func TestCompleteAttemptRetriesOnTempFailure(t *testing.T) {
	q := mustQueue(t)
	msg := newMsg("to", "to@to")
	if err := q.SendMessage(msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if _, err := q.BeginAttempt(msg.EntityID); err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}

	before := time.Now()
	updated, err := q.CompleteAttempt(trace.New("test", "complete"), msg.EntityID, []message.MailboxResult{
		{Mailbox: "to@to", State: message.TempFailed, Failure: &message.SendFailure{
			Stage: message.StageConnect, Err: message.KindNetworkError, Desc: "timeout",
		}},
	})
	if err != nil {
		t.Fatalf("CompleteAttempt: %v", err)
	}
	if updated.Status != message.NonFinalIdle {
		t.Fatalf("status = %s, want NonFinalIdle", updated.Status)
	}
	if len(updated.PendingMailboxes) != 1 {
		t.Fatalf("pending mailboxes = %v, want [to@to]", updated.PendingMailboxes)
	}
	if !updated.NextAttemptTime.After(before) {
		t.Errorf("next attempt time %v not scheduled after %v", updated.NextAttemptTime, before)
	}
}

func TestCompleteAttemptGivesUpOnPermFailure(t *testing.T) {
	q := mustQueue(t)
	msg := newMsg("to", "to@to")
	if err := q.SendMessage(msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if _, err := q.BeginAttempt(msg.EntityID); err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}

	updated, err := q.CompleteAttempt(trace.New("test", "complete"), msg.EntityID, []message.MailboxResult{
		{Mailbox: "to@to", State: message.PermFailed, Failure: &message.SendFailure{
			Stage: message.StageMailFrom, Err: message.KindServerPermFailure, Desc: "no such user",
		}},
	})
	if err != nil {
		t.Fatalf("CompleteAttempt: %v", err)
	}
	if updated.Status != message.FinalGaveUp {
		t.Errorf("status = %s, want FinalGaveUp", updated.Status)
	}
}

func TestRemoveIdleMessage(t *testing.T) {
	q := mustQueue(t)
	msg := newMsg("to", "to@to")
	if err := q.SendMessage(msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if err := q.RemoveIdleMessage(msg.EntityID); err != nil {
		t.Fatalf("RemoveIdleMessage: %v", err)
	}
	if _, ok, _ := q.Get(msg.EntityID); ok {
		t.Fatalf("message still present after removal")
	}
}

func TestRemoveIdleMessageRejectsInFlight(t *testing.T) {
	q := mustQueue(t)
	msg := newMsg("to", "to@to")
	if err := q.SendMessage(msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if _, err := q.BeginAttempt(msg.EntityID); err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}

	if err := q.RemoveIdleMessage(msg.EntityID); err == nil {
		t.Fatalf("RemoveIdleMessage should have rejected an in-flight message")
	}
}

func TestResetSending(t *testing.T) {
	q := mustQueue(t)
	msg := newMsg("to", "to@to")
	if err := q.SendMessage(msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if _, err := q.BeginAttempt(msg.EntityID); err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}

	reset, err := q.ResetSending()
	if err != nil {
		t.Fatalf("ResetSending: %v", err)
	}
	if len(reset) != 1 || reset[0].EntityID != msg.EntityID {
		t.Fatalf("unexpected reset set: %+v", reset)
	}

	got, ok, err := q.Get(msg.EntityID)
	if err != nil || !ok {
		t.Fatalf("Get after reset: ok=%v err=%v", ok, err)
	}
	if got.Status != message.NonFinalIdle {
		t.Errorf("status after reset = %s, want NonFinalIdle", got.Status)
	}
}
