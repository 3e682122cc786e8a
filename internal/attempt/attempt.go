// Package attempt implements the SMTP connection state machine: the hard
// kernel that drives a single (message, to_domain) delivery attempt from
// MX lookup through QUIT, adapted from chasquid's internal/courier/smtp.go
// but generalised to multiple recipients per attempt, structured
// SendFailure/MailboxResult outcomes, relay authentication, and MTA-STS
// and TLS-assurance-ratchet policy checks.
package attempt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strings"
	"time"

	"ogn.dev/smtpsender/internal/auth"
	"ogn.dev/smtpsender/internal/domaininfo"
	"ogn.dev/smtpsender/internal/message"
	"ogn.dev/smtpsender/internal/tlsconst"
	"ogn.dev/smtpsender/internal/resolver"
	smtpclient "ogn.dev/smtpsender/internal/smtp"
	"ogn.dev/smtpsender/internal/stspolicy"
	"ogn.dev/smtpsender/internal/trace"
)

// Engine holds the configuration shared by every attempt it runs. It is
// safe for concurrent use: Run carries all per-attempt state in a private
// run value, never on the Engine itself.
type Engine struct {
	HelloDomain string

	Resolver resolver.Resolver
	Dinfo    *domaininfo.DB
	STSCache *stspolicy.Cache

	UseRelay  bool
	RelayHost string
	AuthType  auth.Type
	AuthUser  string
	AuthPass  string

	// RelayImplicitTLS establishes TLS immediately on connect, rather than
	// negotiating it via STARTTLS after the plaintext greeting. Only
	// meaningful together with UseRelay.
	RelayImplicitTLS bool

	// IPVerPreference governs which address family deliverToHost dials
	// when a host resolves to both A and AAAA records. Set via
	// set_smtp_settings(ip_ver_pref, ...).
	IPVerPreference resolver.IPVerPreference

	DialTimeout  time.Duration
	TotalTimeout time.Duration

	// Port overrides the SMTP port. Defaults to 25; tests override it to
	// point at a fake server.
	Port string

	// CertRoots overrides the CA roots used for peer certificate
	// verification. Tests override it; nil means the system roots.
	CertRoots *x509.CertPool
}

func (e *Engine) port() string {
	if e.Port == "" {
		return "25"
	}
	return e.Port
}

// Run executes one delivery attempt for msg against msg.ToDomain,
// returning the MailboxResult for every mailbox that was still pending
// plus the TLS assurance level actually achieved against whichever MX host
// the attempt settled on. It never mutates msg.
func (e *Engine) Run(parent *trace.Trace, msg *message.MsgToSend) ([]message.MailboxResult, message.TLSRequirement) {
	r := &run{
		eng: e,
		msg: msg,
		tr:  parent.NewChild("Attempt.Run %s", msg.ToDomain),
		now: time.Now(),
	}
	defer r.tr.Finish()
	results := r.execute()
	return results, r.achieved
}

type run struct {
	eng *Engine
	msg *message.MsgToSend
	tr  *trace.Trace
	now time.Time

	// achieved is the TLS assurance level negotiated with the MX host the
	// attempt settled on, set by deliverToHost. Zero (NoTls) if no host
	// was ever reached.
	achieved message.TLSRequirement
}

func (r *run) execute() []message.MailboxResult {
	remaining := append([]string(nil), r.msg.PendingMailboxes...)
	if len(remaining) == 0 {
		return nil
	}

	hosts, err := r.lookupHosts()
	if err != nil || len(hosts) == 0 {
		kind, permanent := classifyLookupErr(err)
		state := message.TempFailed
		if permanent {
			state = message.PermFailed
		}
		desc := "no MX records"
		if err != nil {
			desc = err.Error()
		}
		return resultsForState(remaining, r.now, state, &message.SendFailure{
			Stage: message.StageLookup, Err: kind, Desc: desc,
		})
	}

	stsPolicy := r.fetchSTSPolicy()

	var lastFailure *message.SendFailure
	for _, h := range hosts {
		if stsPolicy != nil && !stsPolicy.MXIsAllowed(h.Name) {
			r.tr.Printf("%q skipped as per MTA-STS policy", h.Name)
			continue
		}

		results, achieved, failure, terminal := r.deliverToHost(h.Name, remaining, stsPolicy)
		if terminal {
			r.achieved = achieved
			if failure != nil {
				// Terminal with a failure means a permanent failure before
				// any recipient was contacted: it applies to every mailbox.
				return resultsForState(remaining, r.now, message.PermFailed, failure)
			}
			return results
		}
		lastFailure = failure
		r.tr.Errorf("%q returned transient error: %v", h.Name, failure.Desc)
	}

	if lastFailure == nil {
		lastFailure = &message.SendFailure{
			Stage: message.StageConnect, Err: message.KindNetworkError,
			Desc: "all MX hosts were skipped by policy or unreachable",
		}
	}
	return resultsForState(remaining, r.now, message.TempFailed, lastFailure)
}

func (r *run) lookupHosts() ([]resolver.Host, error) {
	if r.eng.UseRelay {
		return []resolver.Host{{Name: r.eng.RelayHost}}, nil
	}
	return r.eng.Resolver.Resolve(r.msg.ToDomain)
}

func (r *run) fetchSTSPolicy() *stspolicy.Policy {
	if r.eng.STSCache == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	p, err := r.eng.STSCache.Fetch(ctx, r.msg.ToDomain)
	if err != nil {
		r.tr.Debugf("no usable MTA-STS policy for %q: %v", r.msg.ToDomain, err)
		return nil
	}
	r.tr.Debugf("MTA-STS policy for %q: mode=%s", r.msg.ToDomain, p.Mode)
	return p
}

// dial connects to mx honouring r.eng.IPVerPreference. AOnly/AAAAOnly force
// the network family chasquid-style via the "tcp4"/"tcp6" Dial network
// string; PreferA/PreferAAAA resolve the host first and try addresses of
// the preferred family before falling back to the other.
func (r *run) dial(mx string) (net.Conn, error) {
	switch r.eng.IPVerPreference {
	case resolver.AOnly:
		return net.DialTimeout("tcp4", net.JoinHostPort(mx, r.eng.port()), r.eng.DialTimeout)
	case resolver.AAAAOnly:
		return net.DialTimeout("tcp6", net.JoinHostPort(mx, r.eng.port()), r.eng.DialTimeout)
	case resolver.PreferA, resolver.PreferAAAA:
		return r.dialPreferring(mx)
	default:
		return net.DialTimeout("tcp", net.JoinHostPort(mx, r.eng.port()), r.eng.DialTimeout)
	}
}

// dialPreferring resolves mx to its address list and tries addresses of
// the preferred family first, falling back to the rest in the order
// returned if every preferred-family attempt fails.
func (r *run) dialPreferring(mx string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.eng.DialTimeout)
	defer cancel()

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, mx)
	if err != nil {
		// No address-family preference can be honoured without an IP
		// list; fall back to a plain hostname dial.
		return net.DialTimeout("tcp", net.JoinHostPort(mx, r.eng.port()), r.eng.DialTimeout)
	}

	wantV4 := r.eng.IPVerPreference == resolver.PreferA
	ordered := make([]net.IPAddr, 0, len(ips))
	var rest []net.IPAddr
	for _, ip := range ips {
		if (ip.IP.To4() != nil) == wantV4 {
			ordered = append(ordered, ip)
		} else {
			rest = append(rest, ip)
		}
	}
	ordered = append(ordered, rest...)

	var lastErr error
	for _, ip := range ordered {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(ip.IP.String(), r.eng.port()), r.eng.DialTimeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses found for %q", mx)
	}
	return nil, lastErr
}

func (r *run) totalTimeout() time.Duration {
	if r.msg.CustomTimeout {
		secs := r.msg.BaseSendSecondsMax
		if r.msg.NrBytesToAddOneSec > 0 {
			secs += (len(r.msg.ContentPart1) + r.msg.NrBytesToAddOneSec - 1) / r.msg.NrBytesToAddOneSec
		}
		return time.Duration(secs) * time.Second
	}
	return r.eng.TotalTimeout
}

// deliverToHost runs the dialog against a single MX host. terminal
// reports whether the caller should stop iterating hosts: true on
// success, on a permanent failure, or once any recipient has been
// contacted (MAIL FROM accepted); false means the failure was transient
// and occurred before any recipient was contacted, so the next host
// should be tried. achieved is the TLS assurance level negotiated with mx,
// valid whenever terminal is true.
func (r *run) deliverToHost(mx string, pending []string, stsPolicy *stspolicy.Policy) (results []message.MailboxResult, achieved message.TLSRequirement, failure *message.SendFailure, terminal bool) {
	skipTLS := false
	achieved = message.NoTls

retry:
	conn, err := r.dial(mx)
	if err != nil {
		return nil, achieved, &message.SendFailure{Stage: message.StageConnect, Err: message.KindNetworkError, MX: mx, Desc: err.Error()}, false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(r.totalTimeout()))

	if r.eng.UseRelay && r.eng.RelayImplicitTLS && !skipTLS {
		cfg := &tls.Config{
			ServerName:         mx,
			InsecureSkipVerify: true,
			VerifyConnection: func(cs tls.ConnectionState) error {
				achieved = r.verifyConnection(mx, cs)
				return nil
			},
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(context.Background()); err != nil {
			return nil, achieved, &message.SendFailure{Stage: message.StageTlsHandshake, Err: message.KindTlsError, MX: mx, Desc: err.Error()}, true
		}
		conn = tlsConn
		skipTLS = true
	}

	c, err := smtpclient.NewClient(conn, mx)
	if err != nil {
		return nil, achieved, &message.SendFailure{Stage: message.StageGreeting, Err: message.KindNetworkError, MX: mx, Desc: err.Error()}, false
	}
	defer c.Close()

	if err := c.Hello(r.eng.HelloDomain); err != nil {
		f := classifyProto(message.StageHelo, mx, err)
		return nil, achieved, f, smtpclient.IsPermanent(err)
	}

	if ok, _ := c.Extension("STARTTLS"); ok && !skipTLS {
		cfg := &tls.Config{
			ServerName:         mx,
			InsecureSkipVerify: true,
			VerifyConnection: func(cs tls.ConnectionState) error {
				achieved = r.verifyConnection(mx, cs)
				return nil
			},
		}
		if err := c.StartTLS(cfg); err != nil {
			if r.msg.TLSRequirement >= message.StartTls {
				return nil, achieved, &message.SendFailure{Stage: message.StageTlsHandshake, Err: message.KindTlsError, MX: mx, Desc: err.Error()}, true
			}
			r.tr.Errorf("TLS error on %q, retrying without TLS: %v", mx, err)
			skipTLS = true
			conn.Close()
			goto retry
		}
		// Helo2: re-EHLO after TLS, replacing the advertised keywords.
		if err := c.Hello(r.eng.HelloDomain); err != nil {
			f := classifyProto(message.StageHelo, mx, err)
			return nil, achieved, f, smtpclient.IsPermanent(err)
		}
	} else if r.msg.TLSRequirement >= message.StartTls {
		return nil, achieved, &message.SendFailure{Stage: message.StageStartTls, Err: message.KindTlsError, MX: mx, Desc: "server did not advertise STARTTLS"}, true
	}

	required := r.msg.TLSRequirement
	if !r.eng.Dinfo.Ratchet(r.msg.ToDomain, achieved) {
		return nil, achieved, &message.SendFailure{
			Stage: message.StageTls, Err: message.KindTlsError, MX: mx,
			Desc: fmt.Sprintf("assurance downgrade: %s is below a level previously seen for %s", achieved, r.msg.ToDomain),
		}, false
	}
	if achieved < required {
		return nil, achieved, &message.SendFailure{
			Stage: message.StageTls, Err: message.KindTlsError, MX: mx,
			Desc: fmt.Sprintf("assurance insufficient: achieved %s, required %s", achieved, required),
		}, false
	}
	if stsPolicy != nil && stsPolicy.Mode == stspolicy.Enforce && achieved < message.TlsDomainMatchCert {
		return nil, achieved, &message.SendFailure{
			Stage: message.StageTls, Err: message.KindTlsError, MX: mx,
			Desc: "MTA-STS enforce mode requires a validated TLS connection",
		}, false
	}

	if r.eng.UseRelay && r.eng.AuthType != auth.None {
		ok, param := c.Extension("AUTH")
		if !ok {
			return nil, achieved, &message.SendFailure{Stage: message.StageAuth, Err: message.KindAuthError, MX: mx, Desc: auth.ErrNoCommonMechanism.Error()}, true
		}
		a, err := auth.Negotiate(strings.Fields(param), r.eng.AuthType, auth.Credentials{
			Username: r.eng.AuthUser, Password: r.eng.AuthPass,
		})
		if err != nil {
			return nil, achieved, &message.SendFailure{Stage: message.StageAuth, Err: message.KindAuthError, MX: mx, Desc: err.Error()}, true
		}
		if err := c.Auth(a); err != nil {
			f := classifyProto(message.StageAuth, mx, err)
			return nil, achieved, f, smtpclient.IsPermanent(err)
		}
	}

	from := r.msg.FromAddress
	if from == "<>" {
		from = ""
	}
	if err := c.Mail(from); err != nil {
		f := classifyProto(message.StageMailFrom, mx, err)
		return nil, achieved, f, smtpclient.IsPermanent(err)
	}

	var accepted []string
	for _, mbox := range pending {
		err := c.Rcpt(mbox)
		switch {
		case err == nil:
			accepted = append(accepted, mbox)
		case smtpclient.IsPermanent(err):
			results = append(results, message.MailboxResult{
				Time: r.now, Mailbox: mbox, State: message.PermFailed,
				Failure: classifyProto(message.StageRcptTo, mx, err),
			})
		default:
			results = append(results, message.MailboxResult{
				Time: r.now, Mailbox: mbox, State: message.TempFailed,
				Failure: classifyProto(message.StageRcptTo, mx, err),
			})
		}
	}

	if len(accepted) == 0 {
		_ = c.Quit()
		return results, achieved, nil, true
	}

	w, err := c.Data()
	if err != nil {
		f := classifyProto(message.StageData, mx, err)
		results = append(results, dataOutcome(accepted, r.now, mx, f, smtpclient.IsPermanent(err))...)
		_ = c.Quit()
		return results, achieved, nil, true
	}
	if _, err := w.Write(r.msg.ContentPart1); err != nil {
		f := classifyProto(message.StageData, mx, err)
		results = append(results, dataOutcome(accepted, r.now, mx, f, smtpclient.IsPermanent(err))...)
		_ = c.Quit()
		return results, achieved, nil, true
	}
	if err := w.Close(); err != nil {
		f := classifyProto(message.StageData, mx, err)
		results = append(results, dataOutcome(accepted, r.now, mx, f, smtpclient.IsPermanent(err))...)
		_ = c.Quit()
		return results, achieved, nil, true
	}

	for _, mbox := range accepted {
		results = append(results, message.MailboxResult{
			Time: r.now, Mailbox: mbox, State: message.Succeeded, SuccessMX: mx,
		})
	}
	_ = c.Quit()
	return results, achieved, nil, true
}

func dataOutcome(accepted []string, now time.Time, mx string, f *message.SendFailure, permanent bool) []message.MailboxResult {
	state := message.TempFailed
	if permanent {
		state = message.PermFailed
	}
	out := make([]message.MailboxResult, 0, len(accepted))
	for _, mbox := range accepted {
		out = append(out, message.MailboxResult{Time: now, Mailbox: mbox, State: state, Failure: f})
	}
	return out
}

func resultsForState(mailboxes []string, now time.Time, state message.RecipientState, f *message.SendFailure) []message.MailboxResult {
	out := make([]message.MailboxResult, 0, len(mailboxes))
	for _, mbox := range mailboxes {
		out = append(out, message.MailboxResult{Time: now, Mailbox: mbox, State: state, Failure: f})
	}
	return out
}

// verifyConnection classifies the achieved TLS assurance for a handshake
// with mx, following the same validation Go's default verifier performs
// (see the crypto/tls Config.VerifyConnection example) but distinguishing
// an exact MX-hostname match from a looser to_domain match instead of
// simply accepting or rejecting.
func (r *run) verifyConnection(mx string, cs tls.ConnectionState) message.TLSRequirement {
	r.tr.Debugf("TLS: negotiated %s, cipher %s",
		tlsconst.VersionName(cs.Version), tlsconst.CipherSuiteName(cs.CipherSuite))

	opts := x509.VerifyOptions{
		DNSName:       mx,
		Intermediates: x509.NewCertPool(),
		Roots:         r.eng.CertRoots,
	}
	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}

	if _, err := cs.PeerCertificates[0].Verify(opts); err == nil {
		r.tr.Debugf("TLS: cert matches MX hostname %q exactly", mx)
		return message.TlsExactMatchCert
	}

	candidates := append([]string{r.msg.ToDomain}, r.msg.AdditionalMatchDomains...)
	for _, name := range candidates {
		opts.DNSName = name
		if _, err := cs.PeerCertificates[0].Verify(opts); err == nil {
			r.tr.Debugf("TLS: cert matches domain %q", name)
			return message.TlsDomainMatchCert
		}
	}

	r.tr.Debugf("TLS: cert did not validate for %q", mx)
	return message.TlsAnonymous
}

func classifyLookupErr(err error) (message.ErrKind, bool) {
	if err == resolver.ErrResolverUnavailable {
		return message.KindResolverError, false
	}
	return message.KindResolverError, true
}

// classifyProto builds a SendFailure from a protocol-level error returned
// by the smtp client, preserving the reply code, enhanced status, and raw
// reply lines verbatim.
func classifyProto(stage message.Stage, mx string, err error) *message.SendFailure {
	f := &message.SendFailure{Stage: stage, MX: mx, Desc: err.Error()}

	if code := smtpclient.ReplyCode(err); code != 0 {
		f.ReplyCode = code
		f.Lines = smtpclient.ReplyLines(err)
		if len(f.Lines) > 0 {
			if es := smtpclient.ParseEnhancedStatus(f.Lines[0]); es.Present {
				f.EnhStatus = message.EnhStatus{Class: es.Class, Subject: es.Subject, Detail: es.Detail}
			}
		}
		if smtpclient.IsPermanent(err) {
			f.Err = message.KindServerPermFailure
		} else {
			f.Err = message.KindServerTempFailure
		}
		return f
	}

	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		f.Err = message.KindNetworkError
		f.Desc = "timeout: " + err.Error()
		return f
	}

	f.Err = message.KindNetworkError
	return f
}
