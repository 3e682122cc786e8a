// Package resolver implements the DNS/MX resolver interface: given a
// domain, it returns the ordered MX host list used to drive delivery
// attempts, adapted from chasquid's courier/smtp.go lookupMXs.
package resolver

import (
	"fmt"
	"math/rand/v2"
	"net"

	"golang.org/x/net/idna"
)

// IPVerPreference controls which address family is used when a host is
// eventually dialled (the resolver itself only returns hostnames; address
// family selection happens at dial time, but the preference is threaded
// through so callers can choose a Dial strategy). Set via
// set_smtp_settings(ip_ver_pref, ...).
type IPVerPreference int

const (
	PreferEither IPVerPreference = iota
	AOnly
	AAAAOnly
	PreferA
	PreferAAAA
)

func (p IPVerPreference) String() string {
	switch p {
	case PreferEither:
		return "either"
	case AOnly:
		return "a_only"
	case AAAAOnly:
		return "aaaa_only"
	case PreferA:
		return "prefer_a"
	case PreferAAAA:
		return "prefer_aaaa"
	default:
		return "unknown"
	}
}

// ParseIPVerPreference parses the configuration string used for
// ip_ver_pref. The empty string means PreferEither.
func ParseIPVerPreference(s string) (IPVerPreference, error) {
	switch s {
	case "", "either":
		return PreferEither, nil
	case "a_only":
		return AOnly, nil
	case "aaaa_only":
		return AAAAOnly, nil
	case "prefer_a":
		return PreferA, nil
	case "prefer_aaaa":
		return PreferAAAA, nil
	default:
		return PreferEither, fmt.Errorf("unknown ip_ver_pref %q", s)
	}
}

// Host is one MX host, at a given preference.
type Host struct {
	Name       string
	Preference uint16
}

// Error kinds returned by Resolve.
var (
	ErrNoMxRecords       = fmt.Errorf("no MX records")
	ErrNxDomain          = fmt.Errorf("domain does not exist")
	ErrResolverUnavailable = fmt.Errorf("resolver unavailable")
)

// maxHosts caps the number of MX hosts tried per attempt, to keep delivery
// attempt times bounded, matching chasquid's cap of 5.
const maxHosts = 5

// Resolver looks up the ordered MX host list for a domain.
type Resolver interface {
	Resolve(domain string) ([]Host, error)
}

// Net is a Resolver backed by net.LookupMX, falling back to the bare
// domain (for A/AAAA lookup at dial time) when no MX record exists, as
// RFC 5321 ยง5.1 requires.
type Net struct {
	// LookupMX allows tests to stub DNS. Defaults to net.LookupMX.
	LookupMX func(name string) ([]*net.MX, error)
}

// NewNet returns a Net resolver using the real net.LookupMX.
func NewNet() *Net {
	return &Net{LookupMX: net.LookupMX}
}

func (r *Net) Resolve(domain string) ([]Host, error) {
	lookup := r.LookupMX
	if lookup == nil {
		lookup = net.LookupMX
	}

	ascii, err := idna.ToASCII(domain)
	if err != nil {
		return nil, fmt.Errorf("invalid domain %q: %w", domain, err)
	}

	records, err := lookup(ascii)
	if err != nil {
		dnsErr, ok := err.(*net.DNSError)
		if !ok {
			return nil, ErrResolverUnavailable
		}
		if dnsErr.IsNotFound {
			// No MX: fall back to the domain itself, per RFC 5321.
			return []Host{{Name: ascii, Preference: 0}}, nil
		}
		if dnsErr.IsTemporary || dnsErr.Temporary() {
			return nil, ErrResolverUnavailable
		}
		return nil, ErrNxDomain
	}

	if len(records) == 0 {
		return nil, ErrNoMxRecords
	}

	hosts := make([]Host, 0, len(records))
	for _, rec := range records {
		hosts = append(hosts, Host{Name: rec.Host, Preference: rec.Pref})
	}

	shuffleEqualPreference(hosts)

	if len(hosts) > maxHosts {
		hosts = hosts[:maxHosts]
	}
	return hosts, nil
}

// shuffleEqualPreference sorts ascending by preference, applying a stable
// shuffle within each equal-preference group so repeated attempts don't
// always hammer the same host first.
func shuffleEqualPreference(hosts []Host) {
	// Simple insertion sort keeping relative order for equal preferences,
	// then shuffle within contiguous equal-preference runs.
	for i := 1; i < len(hosts); i++ {
		for j := i; j > 0 && hosts[j].Preference < hosts[j-1].Preference; j-- {
			hosts[j], hosts[j-1] = hosts[j-1], hosts[j]
		}
	}

	start := 0
	for i := 1; i <= len(hosts); i++ {
		if i == len(hosts) || hosts[i].Preference != hosts[start].Preference {
			rand.Shuffle(i-start, func(a, b int) {
				hosts[start+a], hosts[start+b] = hosts[start+b], hosts[start+a]
			})
			start = i
		}
	}
}
