package config

import (
	"io"
	"os"
	"testing"

	"blitiri.com.ar/go/log"

	"ogn.dev/smtpsender/internal/testlib"
)

func mustCreateConfig(t *testing.T, contents string) (string, string) {
	tmpDir := testlib.MustTempDir(t)
	if err := os.WriteFile(tmpDir+"/ognsend.yaml", []byte(contents), 0600); err != nil {
		t.Fatalf("failed to write tmp config: %v", err)
	}
	return tmpDir, tmpDir + "/ognsend.yaml"
}

func TestEmptyConfig(t *testing.T) {
	tmpDir, path := mustCreateConfig(t, "")
	defer testlib.RemoveIfOk(t, tmpDir)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("error loading empty config: %v", err)
	}

	if c.Service.StoreDir != "/var/lib/ognsend" {
		t.Errorf("unexpected default store dir: %q", c.Service.StoreDir)
	}
	if c.Service.Workers != 4 {
		t.Errorf("unexpected default workers: %d", c.Service.Workers)
	}
	if c.SMTP.AuthType != "none" {
		t.Errorf("unexpected default auth type: %q", c.SMTP.AuthType)
	}

	testLogConfig(c)
}

func TestFullConfig(t *testing.T) {
	confStr := `
service:
  store_dir: /srv/ognsend
  workers: 8
  poll_interval: 5s
  give_up_send_after: 10h
  retry_schedule_minutes: [1, 10, 100]
smtp:
  hello_domain: mx.example.test
  relay_host: smtp.relay.test:587
  auth_type: LOGIN
`
	tmpDir, path := mustCreateConfig(t, confStr)
	defer testlib.RemoveIfOk(t, tmpDir)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("error loading config: %v", err)
	}

	if c.Service.StoreDir != "/srv/ognsend" {
		t.Errorf("store dir %q != /srv/ognsend", c.Service.StoreDir)
	}
	if c.Service.Workers != 8 {
		t.Errorf("workers %d != 8", c.Service.Workers)
	}
	if c.PollInterval().String() != "5s" {
		t.Errorf("poll interval %v != 5s", c.PollInterval())
	}
	if len(c.Service.RetryScheduleMins) != 3 || c.Service.RetryScheduleMins[2] != 100 {
		t.Errorf("unexpected retry schedule: %v", c.Service.RetryScheduleMins)
	}
	if c.SMTP.HelloDomain != "mx.example.test" {
		t.Errorf("hello domain %q != mx.example.test", c.SMTP.HelloDomain)
	}
	if c.SMTP.RelayHost != "smtp.relay.test:587" {
		t.Errorf("relay host %q", c.SMTP.RelayHost)
	}
	if c.SMTP.AuthType != "LOGIN" {
		t.Errorf("auth type %q != LOGIN", c.SMTP.AuthType)
	}

	testLogConfig(c)
}

func TestErrorLoading(t *testing.T) {
	if _, err := Load("/does/not/exist"); err == nil {
		t.Fatalf("loaded a non-existent config")
	}
}

func TestBrokenConfig(t *testing.T) {
	tmpDir, path := mustCreateConfig(t, "service:\n  workers: [this is not an int}")
	defer testlib.RemoveIfOk(t, tmpDir)

	if _, err := Load(path); err == nil {
		t.Fatalf("loaded an invalid config")
	}
}

func TestInvalidValues(t *testing.T) {
	tmpDir, path := mustCreateConfig(t, "service:\n  workers: 0\n")
	defer testlib.RemoveIfOk(t, tmpDir)

	if _, err := Load(path); err == nil {
		t.Fatalf("loaded a config with zero workers")
	}
}

func testLogConfig(c *Config) {
	log.Default = log.New(nopWCloser{io.Discard})
	LogConfig(c)
}

type nopWCloser struct {
	io.Writer
}

func (nopWCloser) Close() error { return nil }
