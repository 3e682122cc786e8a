package stspolicy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"ogn.dev/smtpsender/internal/testlib"
)

var policyForDomain = map[string]string{
	"domain.com": `
		version: STSv1
		mode: enforce
		mx: *.mail.domain.com
		max_age: 3600
	`,
	"version99": `
		version: STSv99
		mode: enforce
		mx: *.mail.version99
		max_age: 999
	`,
}

func TestMain(m *testing.M) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := policyForDomain[r.URL.Path[1:]]
		if !ok {
			http.Error(w, "not found", 404)
			return
		}
		fmt.Fprintln(w, p)
	}))
	fakeURLForTesting = srv.URL
	os.Exit(m.Run())
}

func TestParsePolicy(t *testing.T) {
	raw := []byte(`
		version: STSv1
		mode: enforce
		mx: *.mail.example.com
		max_age: 123456
	`)
	p, err := parsePolicy(raw)
	if err != nil {
		t.Fatalf("parsePolicy: %v", err)
	}
	if p.Version != "STSv1" || p.Mode != Enforce || p.MaxAge != 123456*time.Second {
		t.Errorf("parsed policy mismatch: %+v", p)
	}
}

func TestCheckPolicy(t *testing.T) {
	valid := []Policy{
		{Version: "STSv1", Mode: Enforce, MaxAge: time.Hour, MXs: []string{"mx1", "mx2"}},
		{Version: "STSv1", Mode: Testing, MaxAge: time.Hour, MXs: []string{"mx1"}},
		{Version: "STSv1", Mode: None, MaxAge: time.Hour, MXs: []string{"mx1"}},
	}
	for i, p := range valid {
		if err := p.Check(); err != nil {
			t.Errorf("%d: policy %+v failed check: %v", i, p, err)
		}
	}

	invalid := []struct {
		p    Policy
		want error
	}{
		{Policy{Version: "STSv2"}, ErrUnknownVersion},
		{Policy{Version: "STSv1"}, ErrInvalidMaxAge},
		{Policy{Version: "STSv1", MaxAge: 1, Mode: "blah"}, ErrInvalidMode},
		{Policy{Version: "STSv1", MaxAge: 1, Mode: Enforce}, ErrInvalidMX},
	}
	for i, c := range invalid {
		if err := c.p.Check(); err != c.want {
			t.Errorf("%d: got %v, want %v", i, err, c.want)
		}
	}
}

func TestMatchDomain(t *testing.T) {
	cases := []struct {
		domain, pattern string
		want            bool
	}{
		{"lalala", "lalala", true},
		{"a.b.", "a.b", true},
		{"abc.com", "*.com", true},
		{"abc.com", "abc.*.com", false},
		{"abc.com", "x.abc.com", false},
		{"mail.example.com", "*.example.com", true},
		{"example.com", "*.example.com", false},
		{"foo.bar.example.com", "*.example.com", false},
	}
	for _, c := range cases {
		if got := matchDomain(c.domain, c.pattern); got != c.want {
			t.Errorf("matchDomain(%q, %q) = %v, want %v", c.domain, c.pattern, got, c.want)
		}
	}
}

func TestCacheFetch(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	c, err := NewCache(dir)
	if err != nil {
		t.Fatal(err)
	}

	p, err := c.Fetch(context.Background(), "domain.com")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if p.Mode != Enforce || !p.MXIsAllowed("a.mail.domain.com") {
		t.Errorf("unexpected policy: %+v", p)
	}

	if _, err := c.Fetch(context.Background(), "version99"); err == nil {
		t.Errorf("expected invalid policy version to fail Check")
	}
}

func TestCacheRefresh(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	c, err := NewCache(dir)
	if err != nil {
		t.Fatal(err)
	}

	policyForDomain["refresh-test"] = `
		version: STSv1
		mode: enforce
		mx: mx
		max_age: 100`

	ctx := context.Background()
	p, err := c.Fetch(ctx, "refresh-test")
	if err != nil {
		t.Fatal(err)
	}
	if p.MaxAge != 100*time.Second {
		t.Fatalf("MaxAge = %v, want 100s", p.MaxAge)
	}

	policyForDomain["refresh-test"] = `
		version: STSv1
		mode: enforce
		mx: mx
		max_age: 200`

	c.refresh(ctx)

	p, err = c.Fetch(ctx, "refresh-test")
	if err != nil {
		t.Fatal(err)
	}
	if p.MaxAge != 200*time.Second {
		t.Fatalf("MaxAge after refresh = %v, want 200s", p.MaxAge)
	}
}
