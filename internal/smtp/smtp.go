// Package smtp implements the client side of the Simple Mail Transfer
// Protocol as defined in RFC 5321. It extends net/smtp as follows:
//
//   - Supports SMTPUTF8, via Mail/Rcpt.
//   - Exposes per-command reply classification (IsPermanent, ReplyCode,
//     ReplyLines, ParseEnhancedStatus)
//     so callers can build a SendFailure without re-parsing the wire
//     reply themselves.
package smtp

import (
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/net/idna"

	"ogn.dev/smtpsender/internal/addrgrammar"
)

// A Client represents a client connection to an SMTP server.
type Client struct {
	*smtp.Client
}

// NewClient wraps conn (already dialled to host) in an SMTP client,
// reading and checking the server's greeting.
func NewClient(conn net.Conn, host string) (*Client, error) {
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return nil, err
	}
	return &Client{c}, nil
}

// cmd sends a command and returns the response over the text connection.
// Based on net/smtp.Client's method of the same name.
func (c *Client) cmd(expectCode int, format string, args ...interface{}) (int, string, error) {
	id, err := c.Text.Cmd(format, args...)
	if err != nil {
		return 0, "", err
	}
	c.Text.StartResponse(id)
	defer c.Text.EndResponse(id)

	return c.Text.ReadResponse(expectCode)
}

// Mail issues a MAIL FROM command.
func (c *Client) Mail(from string) error {
	from, _, err := c.prepareForSMTPUTF8(from)
	if err != nil {
		return err
	}

	cmdStr := "MAIL FROM:<%s>"
	if ok, _ := c.Extension("8BITMIME"); ok {
		cmdStr += " BODY=8BITMIME"
	}
	if needsSMTPUTF8(from) {
		cmdStr += " SMTPUTF8"
	}
	_, _, err = c.cmd(250, cmdStr, from)
	return err
}

// Rcpt issues a RCPT TO command for a single mailbox.
func (c *Client) Rcpt(to string) error {
	to, _, err := c.prepareForSMTPUTF8(to)
	if err != nil {
		return err
	}
	_, _, err = c.cmd(25, "RCPT TO:<%s>", to)
	return err
}

// MailAndRcpt issues MAIL FROM and RCPT TO in sequence, for the common
// case of a single recipient.
func (c *Client) MailAndRcpt(from, to string) error {
	if err := c.Mail(from); err != nil {
		return err
	}
	return c.Rcpt(to)
}

func needsSMTPUTF8(addr string) bool {
	return !isASCII(addr)
}

// prepareForSMTPUTF8 prepares the address for SMTPUTF8.
// It returns:
//   - The address to use. It is based on addr, and possibly modified to
//     make it not need the extension, if the server does not support it.
//   - Whether the address needs the extension or not.
//   - An error if the address needs the extension, but the server does
//     not support it and the local part can't be made ASCII-safe.
func (c *Client) prepareForSMTPUTF8(addr string) (string, bool, error) {
	if isASCII(addr) {
		return addr, false, nil
	}

	if ok, _ := c.Extension("SMTPUTF8"); ok {
		return addr, true, nil
	}

	user, domain := addrgrammar.Split(addr)

	if !isASCII(user) {
		return addr, true, &textproto.Error{Code: 599,
			Msg: "local part is not ASCII but server does not support SMTPUTF8"}
	}

	domain, err := idna.ToASCII(domain)
	if err != nil {
		return addr, true, &textproto.Error{Code: 599,
			Msg: "non-ASCII domain is not IDNA safe"}
	}

	return user + "@" + domain, false, nil
}

// isASCII returns true if all the characters in s are ASCII, false
// otherwise.
func isASCII(s string) bool {
	for _, c := range s {
		if c > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// IsPermanent reports whether err represents a permanent (5xx) SMTP
// failure, as opposed to a transient (4xx) one or a non-protocol error
// (network, timeout), which is treated as transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	terr, ok := err.(*textproto.Error)
	if !ok {
		return false
	}
	return terr.Code >= 500 && terr.Code < 600
}

// ReplyCode returns the 3-digit reply code carried by err, or 0 if err is
// not a protocol-level reply.
func ReplyCode(err error) int {
	terr, ok := err.(*textproto.Error)
	if !ok {
		return 0
	}
	return terr.Code
}

// ReplyLines splits the (possibly multi-line) message carried by err into
// its constituent lines, verbatim.
func ReplyLines(err error) []string {
	terr, ok := err.(*textproto.Error)
	if !ok {
		return nil
	}
	return strings.Split(terr.Msg, "\n")
}

// EnhancedStatus is an RFC 3463 enhanced status code, e.g. 5.1.1.
type EnhancedStatus struct {
	Class, Subject, Detail int
	Present                bool
}

// ParseEnhancedStatus extracts a leading "x.y.z" enhanced status code from
// the start of an SMTP reply line, if present.
func ParseEnhancedStatus(line string) EnhancedStatus {
	fields := strings.SplitN(strings.TrimSpace(line), " ", 2)
	parts := strings.Split(fields[0], ".")
	if len(parts) != 3 {
		return EnhancedStatus{}
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return EnhancedStatus{}
		}
		nums[i] = n
	}
	return EnhancedStatus{Class: nums[0], Subject: nums[1], Detail: nums[2], Present: true}
}
