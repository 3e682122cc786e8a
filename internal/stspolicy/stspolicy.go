// Package stspolicy implements MTA-STS (RFC 8461) policy fetch and
// on-disk caching, adapted from chasquid's experimental internal/sts. It
// supplements the TLS assurance policy: an enforce-mode policy can only
// raise the minimum assurance required for a domain, never lower a
// caller's own stricter requirement.
package stspolicy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/context/ctxhttp"
	"golang.org/x/net/idna"

	"ogn.dev/smtpsender/internal/safeio"
)

// Mode is the enforcement mode of a published policy, per RFC 8461 ยง3.2.
type Mode string

const (
	Enforce Mode = "enforce"
	Testing Mode = "testing"
	None    Mode = "none"
)

// Policy is a parsed, checked MTA-STS policy.
type Policy struct {
	Version string
	Mode    Mode
	MXs     []string
	MaxAge  time.Duration

	fetchedAt time.Time
}

var (
	ErrUnknownVersion = errors.New("stspolicy: unknown policy version")
	ErrInvalidMaxAge  = errors.New("stspolicy: invalid max_age")
	ErrInvalidMode    = errors.New("stspolicy: invalid mode")
	ErrInvalidMX      = errors.New("stspolicy: invalid mx")
)

// parsePolicy parses the "key: value" text format MTA-STS policies are
// published in (RFC 8461 ยง3.2), not JSON.
func parsePolicy(raw []byte) (*Policy, error) {
	p := &Policy{}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		switch key {
		case "version":
			p.Version = val
		case "mode":
			p.Mode = Mode(val)
		case "mx":
			p.MXs = append(p.MXs, val)
		case "max_age":
			secs, err := strconv.Atoi(val)
			if err != nil {
				return nil, ErrInvalidMaxAge
			}
			p.MaxAge = time.Duration(secs) * time.Second
		}
	}
	return p, nil
}

// Check reports whether the policy is well-formed.
func (p *Policy) Check() error {
	if p.Version != "STSv1" {
		return ErrUnknownVersion
	}
	if p.MaxAge <= 0 {
		return ErrInvalidMaxAge
	}
	switch p.Mode {
	case Enforce, Testing, None:
	default:
		return ErrInvalidMode
	}
	if len(p.MXs) == 0 {
		return ErrInvalidMX
	}
	return nil
}

// MXIsAllowed reports whether mx matches one of the policy's mx patterns.
func (p *Policy) MXIsAllowed(mx string) bool {
	for _, pattern := range p.MXs {
		if matchDomain(mx, pattern) {
			return true
		}
	}
	return false
}

// matchDomain implements RFC 6125 ยง6.4.3-style wildcard matching, used for
// "mx" patterns in an MTA-STS policy.
func matchDomain(domain, pattern string) bool {
	domain, dErr := domainToASCII(domain)
	pattern, pErr := domainToASCII(pattern)
	if dErr != nil || pErr != nil {
		return false
	}

	domainLabels := strings.Split(domain, ".")
	patternLabels := strings.Split(pattern, ".")
	if len(domainLabels) != len(patternLabels) {
		return false
	}

	for i, p := range patternLabels {
		if p == "*" && i == 0 {
			continue
		}
		if p != domainLabels[i] {
			return false
		}
	}
	return true
}

func domainToASCII(domain string) (string, error) {
	domain = strings.TrimSuffix(domain, ".")
	domain = strings.ToLower(domain)
	return idna.ToASCII(domain)
}

var fakeURLForTesting string

func urlForDomain(domain string) string {
	if fakeURLForTesting != "" {
		return fakeURLForTesting + "/" + domain
	}
	return "https://mta-sts." + domain + "/.well-known/mta-sts.txt"
}

var errRejectRedirect = errors.New("stspolicy: redirects not allowed in MTA-STS")

func rejectRedirect(req *http.Request, via []*http.Request) error {
	return errRejectRedirect
}

// fetch retrieves and parses (but does not Check) the policy published for
// domain.
func fetch(ctx context.Context, domain string) (*Policy, error) {
	ascii, err := idna.ToASCII(domain)
	if err != nil {
		return nil, err
	}

	client := &http.Client{CheckRedirect: rejectRedirect}
	if deadline, ok := ctx.Deadline(); ok {
		client.Timeout = time.Until(deadline)
	}

	resp, err := ctxhttp.Get(ctx, client, urlForDomain(ascii))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	p, err := parsePolicy(raw)
	if err != nil {
		return nil, err
	}
	p.fetchedAt = time.Now()
	return p, nil
}

// Cache is a disk-backed cache of fetched, checked MTA-STS policies, keyed
// by domain. A cached policy is reused until it expires (MaxAge), at which
// point the next Fetch refetches it.
type Cache struct {
	dir string

	mu     sync.Mutex
	byName map[string]*Policy
}

// NewCache opens (creating if necessary) a policy cache rooted at dir.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &Cache{dir: dir, byName: map[string]*Policy{}}, nil
}

func (c *Cache) domainPath(domain string) string {
	return filepath.Join(c.dir, domain+".policy")
}

// Fetch returns a checked policy for domain, preferring a fresh cache entry
// (on disk or in memory) over a network round trip.
func (c *Cache) Fetch(ctx context.Context, domain string) (*Policy, error) {
	c.mu.Lock()
	if p, ok := c.byName[domain]; ok && time.Since(p.fetchedAt) < p.MaxAge {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	if p, err := c.loadFromDisk(domain); err == nil {
		c.mu.Lock()
		c.byName[domain] = p
		c.mu.Unlock()
		return p, nil
	}

	p, err := fetch(ctx, domain)
	if err != nil {
		return nil, err
	}
	if err := p.Check(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.byName[domain] = p
	c.mu.Unlock()
	c.saveToDisk(domain, p)

	return p, nil
}

func (c *Cache) loadFromDisk(domain string) (*Policy, error) {
	raw, err := os.ReadFile(c.domainPath(domain))
	if err != nil {
		return nil, err
	}
	p, err := parsePolicy(raw)
	if err != nil {
		return nil, err
	}
	if err := p.Check(); err != nil {
		return nil, err
	}
	info, err := os.Stat(c.domainPath(domain))
	if err != nil {
		return nil, err
	}
	p.fetchedAt = info.ModTime()
	if time.Since(p.fetchedAt) >= p.MaxAge {
		return nil, errors.New("stspolicy: cached policy expired")
	}
	return p, nil
}

func (c *Cache) saveToDisk(domain string, p *Policy) {
	var sb strings.Builder
	sb.WriteString("version: " + p.Version + "\n")
	sb.WriteString("mode: " + string(p.Mode) + "\n")
	for _, mx := range p.MXs {
		sb.WriteString("mx: " + mx + "\n")
	}
	sb.WriteString("max_age: " + strconv.Itoa(int(p.MaxAge/time.Second)) + "\n")
	_ = safeio.WriteFile(c.domainPath(domain), []byte(sb.String()), 0600)
}

// refresh refetches every domain currently cached in memory, replacing
// stale entries. Intended to be driven by a periodic background loop.
func (c *Cache) refresh(ctx context.Context) {
	c.mu.Lock()
	domains := make([]string, 0, len(c.byName))
	for d := range c.byName {
		domains = append(domains, d)
	}
	c.mu.Unlock()

	for _, d := range domains {
		p, err := fetch(ctx, d)
		if err != nil || p.Check() != nil {
			continue
		}
		c.mu.Lock()
		c.byName[d] = p
		c.mu.Unlock()
		c.saveToDisk(d, p)
	}
}
