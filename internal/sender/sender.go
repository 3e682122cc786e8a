// Package sender implements the engine's public API surface: a Service
// type whose lifecycle is driven entirely by atomic compare-and-swap on a
// single state word, with no mutex, matching the lock-free policy chasquid
// applies to its own connection counters. Every operation returns a
// Result instead of a bare error, so a caller embedding this engine gets a
// stable, serializable outcome rather than a Go error value.
package sender

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"ogn.dev/smtpsender/internal/attempt"
	"ogn.dev/smtpsender/internal/auth"
	"ogn.dev/smtpsender/internal/callback"
	"ogn.dev/smtpsender/internal/clock"
	"ogn.dev/smtpsender/internal/domaininfo"
	"ogn.dev/smtpsender/internal/entitystore"
	"ogn.dev/smtpsender/internal/message"
	"ogn.dev/smtpsender/internal/resolver"
	"ogn.dev/smtpsender/internal/retry"
	"ogn.dev/smtpsender/internal/sendlog"
	"ogn.dev/smtpsender/internal/sendqueue"
	"ogn.dev/smtpsender/internal/stspolicy"
	"ogn.dev/smtpsender/internal/worker"
)

// State is one value of the service lifecycle.
type State int32

const (
	NotStarted State = iota
	Starting
	Started
	StopWaiting
	StopDeinitializing
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Starting:
		return "Starting"
	case Started:
		return "Started"
	case StopWaiting:
		return "StopWaiting"
	case StopDeinitializing:
		return "StopDeinitializing"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Result is the uniform outcome of every public operation: a success flag
// plus, on failure, a verbatim diagnostic string.
type Result struct {
	OK  bool
	Err string
}

func ok() Result              { return Result{OK: true} }
func fail(err error) Result   { return Result{Err: err.Error()} }
func failf(f string, a ...interface{}) Result { return Result{Err: fmt.Sprintf(f, a...)} }

// RemovalOutcome is the result of RemoveIdleMessage.
type RemovalOutcome int

const (
	None RemovalOutcome = iota
	NotFound
	FoundCannotRemove
	FoundRemoved
)

// ServiceSettings configures persistence and worker concurrency. Set only
// while NotStarted.
type ServiceSettings struct {
	StoreDir    string
	Workers     int
	PollInterval time.Duration
	RetryScheduleMinutes []int
	GiveUpSendAfter time.Duration
	Callbacks   callback.Set
}

// SMTPSettings configures outbound delivery behaviour. Set only while
// NotStarted.
type SMTPSettings struct {
	HelloDomain string

	RelayHost        string
	RelayImplicitTLS bool
	AuthType         auth.Type
	AuthUser         string
	AuthPass         string

	// IPVerPreference governs which address family is used when dialling
	// an MX host. Zero value is PreferEither.
	IPVerPreference resolver.IPVerPreference

	DialTimeout  time.Duration
	TotalTimeout time.Duration

	STSEnabled bool

	// Resolver overrides the default net.LookupMX-backed resolver; tests
	// use this to inject a stub.
	Resolver resolver.Resolver
}

// Service is the engine's public entrypoint. The zero value is a valid,
// NotStarted service.
type Service struct {
	state atomic.Int32

	service ServiceSettings
	smtp    SMTPSettings

	store  *entitystore.Store
	queue  *sendqueue.Queue
	pool   *worker.Pool
}

// New returns a NotStarted Service.
func New() *Service {
	return &Service{}
}

func (s *Service) State() State {
	return State(s.state.Load())
}

// SetServiceSettings installs settings, permitted only in NotStarted.
func (s *Service) SetServiceSettings(cfg ServiceSettings) Result {
	if s.State() != NotStarted {
		return failf("set_service_settings: requires NotStarted, got %s", s.State())
	}
	if cfg.StoreDir == "" {
		return fail(fmt.Errorf("store_dir is required"))
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	s.service = cfg
	return ok()
}

// SetSMTPSettings installs SMTP behaviour, permitted only in NotStarted.
func (s *Service) SetSMTPSettings(cfg SMTPSettings) Result {
	if s.State() != NotStarted {
		return failf("set_smtp_settings: requires NotStarted, got %s", s.State())
	}
	if cfg.HelloDomain == "" {
		cfg.HelloDomain = "localhost"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = time.Minute
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = 10 * time.Minute
	}
	s.smtp = cfg
	return ok()
}

// Start transitions NotStarted or Stopped into Started, opening the
// entity store, recovering any NonFinalSending messages, and launching
// the worker pool.
func (s *Service) Start() Result {
	if !(s.state.CompareAndSwap(int32(NotStarted), int32(Starting)) ||
		s.state.CompareAndSwap(int32(Stopped), int32(Starting))) {
		return failf("start: requires NotStarted or Stopped, got %s", s.State())
	}

	store, err := entitystore.New(s.service.StoreDir)
	if err != nil {
		s.state.Store(int32(NotStarted))
		return fail(err)
	}
	if err := store.Load(); err != nil {
		s.state.Store(int32(NotStarted))
		return fail(err)
	}

	dinfo, err := domaininfo.New(store)
	if err != nil {
		s.state.Store(int32(NotStarted))
		return fail(err)
	}

	if len(s.service.RetryScheduleMinutes) > 0 {
		retry.DefaultScheduleMinutes = s.service.RetryScheduleMinutes
	}
	if s.service.GiveUpSendAfter > 0 {
		retry.DefaultGiveUpAfter = s.service.GiveUpSendAfter
	}

	var stsCache *stspolicy.Cache
	if s.smtp.STSEnabled {
		stsCache, err = stspolicy.NewCache(filepath.Join(s.service.StoreDir, "sts-cache"))
		if err != nil {
			s.state.Store(int32(NotStarted))
			return fail(err)
		}
	}

	res := s.smtp.Resolver
	if res == nil {
		res = resolver.NewNet()
	}

	engine := &attempt.Engine{
		HelloDomain:  s.smtp.HelloDomain,
		Resolver:     res,
		Dinfo:        dinfo,
		STSCache:     stsCache,
		UseRelay:         s.smtp.RelayHost != "",
		RelayHost:        s.smtp.RelayHost,
		RelayImplicitTLS: s.smtp.RelayImplicitTLS,
		AuthType:         s.smtp.AuthType,
		AuthUser:         s.smtp.AuthUser,
		AuthPass:         s.smtp.AuthPass,
		IPVerPreference:  s.smtp.IPVerPreference,
		DialTimeout:      s.smtp.DialTimeout,
		TotalTimeout:     s.smtp.TotalTimeout,
	}

	s.store = store
	s.queue = sendqueue.New(store)
	s.pool = &worker.Pool{
		Queue:        s.queue,
		Engine:       engine,
		Clock:        clock.Real{},
		Concurrency:  s.service.Workers,
		PollInterval: s.service.PollInterval,
		Callbacks:    s.service.Callbacks,
		SendLog:      sendlog.Default,
	}
	if err := s.pool.Start(); err != nil {
		s.state.Store(int32(NotStarted))
		return fail(err)
	}

	s.state.Store(int32(Started))
	return ok()
}

// SendMessage enqueues msg for delivery. msg must be freshly constructed
// (zero EntityID) and is assigned an identity by the store.
func (s *Service) SendMessage(msg *message.MsgToSend) Result {
	if s.State() != Started {
		return failf("send_message: requires Started, got %s", s.State())
	}
	if !msg.EntityID.IsZero() {
		return fail(fmt.Errorf("send_message: entity_id must be zero"))
	}
	if err := s.queue.SendMessage(msg); err != nil {
		return fail(err)
	}
	return ok()
}

// EnumMessages iterates every persisted message in batches, invoking fn
// once per batch. fn returns false to stop iteration early.
func (s *Service) EnumMessages(batchSize int, fn func([]*message.MsgToSend) bool) Result {
	if s.State() != Started {
		return failf("enum_messages: requires Started, got %s", s.State())
	}
	if err := s.queue.Enumerate(batchSize, fn); err != nil {
		return fail(err)
	}
	return ok()
}

// RemoveIdleMessage removes a message that is currently NonFinalIdle.
func (s *Service) RemoveIdleMessage(id message.EntityID) RemovalOutcome {
	if s.State() != Started {
		return None
	}
	msg, found, err := s.queue.Get(id)
	if err != nil || !found {
		return NotFound
	}
	if msg.Status != message.NonFinalIdle {
		return FoundCannotRemove
	}
	if err := s.queue.RemoveIdleMessage(id); err != nil {
		return FoundCannotRemove
	}
	return FoundRemoved
}

// BeginStop signals the worker pool to stop picking up new work.
// Non-blocking.
func (s *Service) BeginStop() Result {
	if !s.state.CompareAndSwap(int32(Started), int32(StopWaiting)) {
		return failf("begin_stop: requires Started, got %s", s.State())
	}
	s.pool.BeginStop()
	return ok()
}

// WaitStop blocks up to waitMs for the worker pool to drain. The first
// caller to observe full drain tears down the store and transitions to
// Stopped; concurrent callers spin-wait for that transition.
func (s *Service) WaitStop(waitMs int) Result {
	if s.State() != StopWaiting && s.State() != StopDeinitializing {
		return failf("wait_stop: requires StopWaiting, got %s", s.State())
	}

	drained := make(chan struct{})
	go func() {
		s.pool.WaitStopped()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(time.Duration(waitMs) * time.Millisecond):
		return failf("wait_stop: timed out after %dms", waitMs)
	}

	if s.state.CompareAndSwap(int32(StopWaiting), int32(StopDeinitializing)) {
		s.store = nil
		s.queue = nil
		s.pool = nil
		s.state.Store(int32(Stopped))
		return ok()
	}

	for s.State() != Stopped {
		time.Sleep(time.Millisecond)
	}
	return ok()
}
