// Package worker implements the delivery worker pool: a poll loop that
// scans internal/sendqueue for due messages and hands each one to
// internal/attempt, in place of chasquid's internal/queue, where every
// queued item ran its own goroutine that slept internally between
// rounds. Concurrency here is bounded by a fixed-size pool of workers
// pulling from one shared due-message scan, driven by internal/clock and
// stopped cooperatively via internal/stopctl, matching the engine's
// single poll-loop model rather than chasquid's per-item scheduling.
package worker

import (
	"sync"
	"time"

	"ogn.dev/smtpsender/internal/attempt"
	"ogn.dev/smtpsender/internal/callback"
	"ogn.dev/smtpsender/internal/clock"
	"ogn.dev/smtpsender/internal/message"
	"ogn.dev/smtpsender/internal/sendlog"
	"ogn.dev/smtpsender/internal/sendqueue"
	"ogn.dev/smtpsender/internal/stopctl"
	"ogn.dev/smtpsender/internal/trace"
)

// Pool drives delivery attempts for due messages in the queue.
type Pool struct {
	Queue  *sendqueue.Queue
	Engine *attempt.Engine
	Clock  clock.Clock

	// Concurrency is the number of messages attempted in parallel per
	// poll round. Defaults to 1 if zero.
	Concurrency int

	// PollInterval is the delay between scans when the previous round
	// claimed nothing.
	PollInterval time.Duration

	Callbacks callback.Set
	SendLog   *sendlog.Logger

	ctl *stopctl.Controller
	wg  sync.WaitGroup
}

// Start recovers in-flight messages from a previous run and launches the
// poll loop in a background goroutine. It must be called at most once.
func (p *Pool) Start() error {
	tr := trace.New("Worker", "Start")
	defer tr.Finish()

	reset, err := p.Queue.ResetSending()
	if err != nil {
		return tr.Errorf("resetting in-flight messages: %v", err)
	}
	if len(reset) > 0 {
		records := make([]callback.ResetRecord, len(reset))
		for i, m := range reset {
			records[i] = callback.ResetRecord{
				EntityID: m.EntityID, FromAddress: m.FromAddress, ToDomain: m.ToDomain,
			}
			p.SendLog.Reset(m.EntityID, m.FromAddress, m.ToDomain)
		}
		p.Callbacks.Reset(tr, records)
	}

	p.ctl = stopctl.New()
	p.wg.Add(1)
	go p.loop()
	return nil
}

// Stop signals the poll loop to exit and waits for it to drain.
func (p *Pool) Stop() {
	p.BeginStop()
	p.WaitStopped()
}

// BeginStop signals the poll loop to exit, without waiting. Safe to call
// from a goroutine other than the one that called Start.
func (p *Pool) BeginStop() {
	p.ctl.Begin()
}

// WaitStopped blocks until the poll loop has exited.
func (p *Pool) WaitStopped() {
	p.wg.Wait()
}

func (p *Pool) concurrency() int {
	if p.Concurrency < 1 {
		return 1
	}
	return p.Concurrency
}

func (p *Pool) loop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctl.Done():
			return
		default:
		}

		claimed := p.claimRound()
		if claimed == 0 {
			select {
			case <-p.ctl.Done():
				return
			case <-time.After(p.PollInterval):
			}
		}
	}
}

// claimRound scans for due messages, attempts every one of them (at most
// Concurrency at a time) unless a stop is signalled, and returns how many
// it started.
func (p *Pool) claimRound() int {
	tr := trace.New("Worker", "Poll")
	defer tr.Finish()

	due, err := p.Queue.DueMessages(p.Clock.Now())
	if err != nil {
		tr.Errorf("scanning for due messages: %v", err)
		return 0
	}
	if len(due) == 0 {
		return 0
	}

	n := p.concurrency()
	if n > len(due) {
		n = len(due)
	}

	sem := make(chan struct{}, n)
	var wg sync.WaitGroup
	claimed := 0
	for _, m := range due {
		select {
		case <-p.ctl.Done():
			wg.Wait()
			return claimed
		default:
		}

		sem <- struct{}{}
		wg.Add(1)
		claimed++
		go func(id message.EntityID) {
			defer wg.Done()
			defer func() { <-sem }()
			p.attemptOne(tr, id)
		}(m.EntityID)
	}
	wg.Wait()
	return claimed
}

// attemptOne claims a single message, runs one delivery attempt, and
// records the outcome.
func (p *Pool) attemptOne(parent *trace.Trace, id message.EntityID) {
	tr := parent.NewChild("Attempt %s", id)
	defer tr.Finish()

	msg, err := p.Queue.BeginAttempt(id)
	if err != nil {
		// Lost a race to another worker, or the message moved on; not
		// an error worth logging loudly.
		tr.Debugf("could not claim %s: %v", id, err)
		return
	}

	p.SendLog.Attempt(msg.EntityID, msg.FromAddress, msg.ToDomain, msg.PendingMailboxes)
	p.Callbacks.Attempt(tr, callback.FromMessage(msg))

	results, achieved := p.Engine.Run(tr, msg)

	for _, r := range results {
		p.SendLog.Result(msg.EntityID, msg.FromAddress, r)
	}
	p.Callbacks.Result(tr, callback.ResultFromMessage(msg, results, achieved))

	updated, err := p.Queue.CompleteAttempt(tr, id, results)
	if err != nil {
		tr.Errorf("completing attempt for %s: %v", id, err)
		return
	}

	if updated.Status.IsFinal() {
		p.SendLog.Final(updated.EntityID, updated.FromAddress, updated.Status)
	} else {
		p.SendLog.RetryScheduled(updated.EntityID, updated.FromAddress, updated.NextAttemptTime)
	}
}
