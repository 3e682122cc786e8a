// Package addrgrammar implements the default address-grammar collaborator:
// validation and decomposition of mailbox, addr-spec and domain strings,
// adapted from chasquid's internal/envelope (which only split addresses,
// without validating them — delivery there trusted the SMTP server to
// reject anything malformed).
package addrgrammar

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// Split splits a user@domain address into user and domain. If there is no
// "@", domain is empty.
func Split(addr string) (user, domain string) {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr, ""
	}
	return addr[:i], addr[i+1:]
}

// UserOf returns the local part of user@domain.
func UserOf(addr string) string {
	user, _ := Split(addr)
	return user
}

// DomainOf returns the domain part of user@domain.
func DomainOf(addr string) string {
	_, domain := Split(addr)
	return domain
}

// ValidMailbox reports whether addr is a plausible addr-spec: a non-empty
// local part, an "@", and a domain that passes ValidDomain. This is
// intentionally permissive about the local part (RFC 5321's quoted-string
// and escaped forms are accepted verbatim) since over-validation here
// would reject mailboxes the destination server is happy to accept.
func ValidMailbox(addr string) error {
	if addr == "" {
		return fmt.Errorf("empty address")
	}
	user, domain := Split(addr)
	if user == "" {
		return fmt.Errorf("%q: missing local part", addr)
	}
	if domain == "" {
		return fmt.Errorf("%q: missing domain", addr)
	}
	if err := ValidDomain(domain); err != nil {
		return fmt.Errorf("%q: %w", addr, err)
	}
	return nil
}

// ValidDomain reports whether domain is a syntactically valid DNS domain,
// after IDNA normalisation.
func ValidDomain(domain string) error {
	if domain == "" {
		return fmt.Errorf("empty domain")
	}
	if _, err := idna.ToASCII(domain); err != nil {
		return fmt.Errorf("invalid domain: %w", err)
	}
	return nil
}

// DomainIn checks whether addr's domain is present in domains. An address
// with no domain part always counts as present.
func DomainIn(addr string, domains []string) bool {
	domain := DomainOf(addr)
	if domain == "" {
		return true
	}
	for _, d := range domains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}
