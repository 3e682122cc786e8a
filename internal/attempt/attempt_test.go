package attempt

import (
	"testing"
	"time"

	"ogn.dev/smtpsender/internal/domaininfo"
	"ogn.dev/smtpsender/internal/entitystore"
	"ogn.dev/smtpsender/internal/message"
	"ogn.dev/smtpsender/internal/resolver"
	"ogn.dev/smtpsender/internal/testlib"
	"ogn.dev/smtpsender/internal/trace"
)

type stubResolver struct {
	hosts []resolver.Host
	err   error
}

func (r *stubResolver) Resolve(domain string) ([]resolver.Host, error) {
	return r.hosts, r.err
}

func mustDinfo(t *testing.T) *domaininfo.DB {
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
	db, err := domaininfo.New(store)
	if err != nil {
		t.Fatalf("domaininfo.New: %v", err)
	}
	return db
}

func newMsg(toDomain string, mailboxes ...string) *message.MsgToSend {
	return &message.MsgToSend{
		EntityID:         message.NewEntityID(),
		FromAddress:      "me@me",
		ToDomain:         toDomain,
		PendingMailboxes: mailboxes,
		ContentPart1:     []byte("data"),
	}
}

func resultFor(results []message.MailboxResult, mbox string) *message.MailboxResult {
	for i := range results {
		if results[i].Mailbox == mbox {
			return &results[i]
		}
	}
	return nil
}

func newEngine(t *testing.T, srv *fakeServer) *Engine {
	t.Helper()
	_, port := srv.hostPort()
	return &Engine{
		HelloDomain:  "hello",
		Resolver:     &stubResolver{hosts: []resolver.Host{{Name: "localhost"}}},
		Dinfo:        mustDinfo(t),
		DialTimeout:  5 * time.Second,
		TotalTimeout: 5 * time.Second,
		Port:         port,
	}
}

var starttlsResponses = map[string]string{
	"_welcome":           "220 welcome\n",
	"EHLO hello":         "250-ehlo ok\n250 STARTTLS\n",
	"_STARTTLS":          "ok",
	"STARTTLS":           "220 go ahead\n",
	"MAIL FROM:<me@me>":  "250 mail ok\n",
	"RCPT TO:<to@to>":    "250 rcpt ok\n",
	"DATA":               "354 send data\n",
	"_DATA":              "250 data ok\n",
	"QUIT":               "250 quit ok\n",
}

var plainResponses = map[string]string{
	"_welcome":          "220 welcome\n",
	"EHLO hello":        "250 ehlo ok\n",
	"MAIL FROM:<me@me>": "250 mail ok\n",
	"RCPT TO:<to@to>":   "250 rcpt ok\n",
	"DATA":              "354 send data\n",
	"_DATA":             "250 data ok\n",
	"QUIT":              "250 quit ok\n",
}

func TestHappyPath(t *testing.T) {
	srv := newFakeServer(t, plainResponses)
	defer srv.cleanup()

	e := newEngine(t, srv)
	msg := newMsg("to", "to@to")

	results, _ := e.Run(trace.New("test", "happy"), msg)
	srv.wait()

	r := resultFor(results, "to@to")
	if r == nil || r.State != message.Succeeded {
		t.Fatalf("unexpected results: %+v", results)
	}
	if r.SuccessMX != "localhost" {
		t.Errorf("success_mx = %q, want localhost", r.SuccessMX)
	}
}

func TestMailFromRejected(t *testing.T) {
	responses := map[string]string{
		"_welcome":          "220 welcome\n",
		"EHLO hello":        "250 ehlo ok\n",
		"MAIL FROM:<me@me>": "550 no thanks\n",
		"QUIT":              "250 quit ok\n",
	}
	srv := newFakeServer(t, responses)
	defer srv.cleanup()

	e := newEngine(t, srv)
	msg := newMsg("to", "to@to")

	results, _ := e.Run(trace.New("test", "mailfrom"), msg)

	r := resultFor(results, "to@to")
	if r == nil || r.State != message.PermFailed {
		t.Fatalf("unexpected results: %+v", results)
	}
	if r.Failure == nil || r.Failure.Stage != message.StageMailFrom || r.Failure.ReplyCode != 550 {
		t.Errorf("unexpected failure: %+v", r.Failure)
	}
}

func TestRcptToMixedOutcomes(t *testing.T) {
	responses := map[string]string{
		"_welcome":           "220 welcome\n",
		"EHLO hello":         "250 ehlo ok\n",
		"MAIL FROM:<me@me>":  "250 mail ok\n",
		"RCPT TO:<good@to>":  "250 rcpt ok\n",
		"RCPT TO:<soft@to>":  "450 try later\n",
		"RCPT TO:<gone@to>":  "550 no such user\n",
		"DATA":               "354 send data\n",
		"_DATA":              "250 data ok\n",
		"QUIT":               "250 quit ok\n",
	}
	srv := newFakeServer(t, responses)
	defer srv.cleanup()

	e := newEngine(t, srv)
	msg := newMsg("to", "good@to", "soft@to", "gone@to")

	results, _ := e.Run(trace.New("test", "rcpt"), msg)

	if r := resultFor(results, "good@to"); r == nil || r.State != message.Succeeded {
		t.Errorf("good@to: %+v", r)
	}
	if r := resultFor(results, "soft@to"); r == nil || r.State != message.TempFailed || r.Failure.ReplyCode != 450 {
		t.Errorf("soft@to: %+v", r)
	}
	if r := resultFor(results, "gone@to"); r == nil || r.State != message.PermFailed || r.Failure.ReplyCode != 550 {
		t.Errorf("gone@to: %+v", r)
	}
}

func TestDataRejected(t *testing.T) {
	responses := map[string]string{
		"_welcome":          "220 welcome\n",
		"EHLO hello":        "250 ehlo ok\n",
		"MAIL FROM:<me@me>": "250 mail ok\n",
		"RCPT TO:<to@to>":   "250 rcpt ok\n",
		"DATA":              "554 no data for you\n",
		"QUIT":              "250 quit ok\n",
	}
	srv := newFakeServer(t, responses)
	defer srv.cleanup()

	e := newEngine(t, srv)
	msg := newMsg("to", "to@to")

	results, _ := e.Run(trace.New("test", "data"), msg)

	r := resultFor(results, "to@to")
	if r == nil || r.State != message.PermFailed || r.Failure.Stage != message.StageData {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestNoMXHosts(t *testing.T) {
	e := &Engine{
		HelloDomain:  "hello",
		Resolver:     &stubResolver{err: resolver.ErrNoMxRecords},
		Dinfo:        mustDinfo(t),
		DialTimeout:  time.Second,
		TotalTimeout: time.Second,
	}
	msg := newMsg("nowhere", "to@nowhere")

	results, _ := e.Run(trace.New("test", "nomx"), msg)

	r := resultFor(results, "to@nowhere")
	if r == nil || r.State != message.PermFailed || r.Failure.Stage != message.StageLookup {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestResolverUnavailableIsTransient(t *testing.T) {
	e := &Engine{
		HelloDomain:  "hello",
		Resolver:     &stubResolver{err: resolver.ErrResolverUnavailable},
		Dinfo:        mustDinfo(t),
		DialTimeout:  time.Second,
		TotalTimeout: time.Second,
	}
	msg := newMsg("flaky", "to@flaky")

	results, _ := e.Run(trace.New("test", "resolver"), msg)

	r := resultFor(results, "to@flaky")
	if r == nil || r.State != message.TempFailed {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestFallbackToSecondMX(t *testing.T) {
	srv := newFakeServer(t, plainResponses)
	defer srv.cleanup()

	e := newEngine(t, srv)
	// ":::" is not a dialable host, so the first MX fails immediately
	// without a real network lookup (same trick courier/smtp_test.go
	// uses), exercising the fall-through to the next MX in preference
	// order.
	e.Resolver = &stubResolver{hosts: []resolver.Host{
		{Name: ":::", Preference: 10},
		{Name: "localhost", Preference: 20},
	}}

	msg := newMsg("to", "to@to")
	results, _ := e.Run(trace.New("test", "fallback"), msg)
	srv.wait()

	r := resultFor(results, "to@to")
	if r == nil || r.State != message.Succeeded {
		t.Fatalf("expected delivery via the second MX, got: %+v", results)
	}
}

func TestStartTLSAchievesExactMatch(t *testing.T) {
	srv := newFakeServer(t, starttlsResponses)
	defer srv.cleanup()

	e := newEngine(t, srv)
	e.CertRoots = srv.rootCA()
	msg := newMsg("to", "to@to")

	results, achieved := e.Run(trace.New("test", "starttls"), msg)
	srv.wait()

	r := resultFor(results, "to@to")
	if r == nil || r.State != message.Succeeded {
		t.Fatalf("unexpected results: %+v", results)
	}
	if achieved != message.TlsExactMatchCert {
		t.Errorf("achieved = %s, want Tls_ExactMatchCert", achieved)
	}
}

func TestStartTLSRequiredButNotAdvertised(t *testing.T) {
	srv := newFakeServer(t, plainResponses)
	defer srv.cleanup()

	e := newEngine(t, srv)
	msg := newMsg("to", "to@to")
	msg.TLSRequirement = message.StartTls

	results, achieved := e.Run(trace.New("test", "starttls-required"), msg)

	r := resultFor(results, "to@to")
	if r == nil || r.State != message.PermFailed || r.Failure.Stage != message.StageStartTls {
		t.Fatalf("unexpected results: %+v", results)
	}
	if achieved != message.NoTls {
		t.Errorf("achieved = %s, want NoTls", achieved)
	}
}
