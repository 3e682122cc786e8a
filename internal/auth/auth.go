// Package auth implements SMTP AUTH client mechanisms used when relaying
// through an authenticated smarthost. It bridges
// github.com/emersion/go-sasl client mechanisms into the net/smtp Auth
// interface chasquid's internal/smtp.Client dialog already knows how to
// drive, the way chasquid's own internal/auth bridged backend
// implementations behind a single interface for its (inbound, unrelated)
// authentication needs.
package auth

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/emersion/go-sasl"
)

// Type names a supported relay authentication mechanism.
type Type int

const (
	None Type = iota
	Plain
	Login
	CramMD5
)

func (t Type) String() string {
	switch t {
	case None:
		return "None"
	case Plain:
		return "PLAIN"
	case Login:
		return "LOGIN"
	case CramMD5:
		return "CRAM-MD5"
	default:
		return "Unknown"
	}
}

// ParseType maps an AUTH mechanism name (as advertised by EHLO, or
// configured by the operator) to a Type.
func ParseType(s string) (Type, error) {
	switch strings.ToUpper(s) {
	case "", "NONE":
		return None, nil
	case "PLAIN":
		return Plain, nil
	case "LOGIN":
		return Login, nil
	case "CRAM-MD5":
		return CramMD5, nil
	default:
		return None, fmt.Errorf("unsupported auth type %q", s)
	}
}

// Credentials are the identity used to authenticate to a relay.
type Credentials struct {
	Identity string // used only by PLAIN, may be empty
	Username string
	Password string
}

// ErrNoCommonMechanism is returned by Negotiate when none of the
// mechanisms the server advertised are supported.
var ErrNoCommonMechanism = fmt.Errorf("no common auth mechanism")

// Negotiate picks the client Auth to use given the mechanisms the server
// advertised in its EHLO response, preferring CRAM-MD5 (never sends the
// password in the clear, even without TLS), then LOGIN, then PLAIN.
func Negotiate(advertised []string, want Type, creds Credentials) (smtp.Auth, error) {
	supported := map[string]bool{}
	for _, m := range advertised {
		supported[strings.ToUpper(m)] = true
	}

	tryOrder := []Type{CramMD5, Login, Plain}
	if want != None {
		// A specific mechanism was requested; only consider it.
		tryOrder = []Type{want}
	}

	for _, t := range tryOrder {
		if !supported[t.String()] {
			continue
		}
		switch t {
		case CramMD5:
			return smtp.CRAMMD5Auth(creds.Username, creds.Password), nil
		case Login:
			return newBridge(sasl.NewLoginClient(creds.Username, creds.Password)), nil
		case Plain:
			return newBridge(sasl.NewPlainClient(creds.Identity, creds.Username, creds.Password)), nil
		}
	}

	return nil, ErrNoCommonMechanism
}

// bridge adapts a go-sasl Client mechanism to the net/smtp Auth
// interface, which chasquid's internal/smtp.Client dialog drives via the
// embedded *smtp.Client's Auth method.
type bridge struct {
	cli sasl.Client
}

func newBridge(cli sasl.Client) smtp.Auth {
	return &bridge{cli: cli}
}

func (b *bridge) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return b.cli.Start()
}

func (b *bridge) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	return b.cli.Next(fromServer)
}
