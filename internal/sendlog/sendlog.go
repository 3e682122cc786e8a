// Package sendlog implements a human-readable, append-only log of
// delivery activity, in the style of chasquid's internal/maillog. It is
// bound by the worker alongside (not instead of) the internal/callback
// hooks: callbacks serve the host application, sendlog serves an operator
// tailing a file.
package sendlog

import (
	"fmt"
	"io"
	"log/syslog"
	"sync"
	"time"

	"ogn.dev/smtpsender/internal/message"
	"ogn.dev/smtpsender/internal/trace"

	"blitiri.com.ar/go/log"
)

var attemptLog = trace.NewEventLog("Delivery", "Attempts")

type timedWriter struct {
	w io.Writer
}

func (t timedWriter) Write(b []byte) (int, error) {
	fmt.Fprintf(t.w, "%s  ", time.Now().Format("2006-01-02 15:04:05.000000"))
	return t.w.Write(b)
}

// Logger writes delivery activity to a backend writer, such as a file or
// syslog.
type Logger struct {
	w    io.Writer
	once sync.Once
}

// New creates a Logger writing to w.
func New(w io.Writer) *Logger {
	return &Logger{w: timedWriter{w}}
}

// NewSyslog creates a Logger writing to syslog.
func NewSyslog() (*Logger, error) {
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_MAIL, "ognsend")
	if err != nil {
		return nil, err
	}
	return &Logger{w: w}, nil
}

func (l *Logger) printf(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(l.w, format, args...); err != nil {
		l.once.Do(func() {
			log.Errorf("failed to write to sendlog: %v", err)
			log.Errorf("(will not report this again)")
		})
	}
}

// Reset logs that a message was recovered from NonFinalSending back to
// NonFinalIdle at startup.
func (l *Logger) Reset(id message.EntityID, from, toDomain string) {
	msg := fmt.Sprintf("%s from=%s to_domain=%s recovered after restart\n", id, from, toDomain)
	l.printf(msg)
	attemptLog.Debugf(msg)
}

// Attempt logs that a delivery attempt is starting.
func (l *Logger) Attempt(id message.EntityID, from, toDomain string, pending []string) {
	msg := fmt.Sprintf("%s from=%s to_domain=%s attempt pending=%v\n", id, from, toDomain, pending)
	l.printf(msg)
	attemptLog.Debugf(msg)
}

// Result logs the outcome of one mailbox within a completed attempt.
func (l *Logger) Result(id message.EntityID, from string, r message.MailboxResult) {
	if r.State == message.Succeeded {
		l.printf("%s from=%s to=%s sent via=%s\n", id, from, r.Mailbox, r.SuccessMX)
		return
	}

	detail := ""
	if r.Failure != nil {
		detail = fmt.Sprintf(" stage=%s err=%s reply=%d %s",
			r.Failure.Stage, r.Failure.Err, r.Failure.ReplyCode, r.Failure.Desc)
	}
	l.printf("%s from=%s to=%s state=%s%s\n", id, from, r.Mailbox, r.State, detail)
}

// RetryScheduled logs that a message's next attempt has been scheduled.
func (l *Logger) RetryScheduled(id message.EntityID, from string, next time.Time) {
	l.printf("%s from=%s retry scheduled for %s\n", id, from, next.Format(time.RFC3339))
}

// Final logs that a message reached a terminal status.
func (l *Logger) Final(id message.EntityID, from string, status message.Status) {
	l.printf("%s from=%s done status=%s\n", id, from, status)
}

// Default logger, discarding output until replaced by the daemon entrypoint.
var Default = New(io.Discard)
