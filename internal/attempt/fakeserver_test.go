package attempt

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/textproto"
	"os"
	"sync"
	"testing"

	"ogn.dev/smtpsender/internal/testlib"
)

// fakeServer is a minimal scripted SMTP server, adapted from
// internal/courier/fakeserver_test.go: it replies to each command line
// with a canned response keyed by the command text, and can upgrade the
// connection to TLS mid-session.
type fakeServer struct {
	t         *testing.T
	tmpDir    string
	responses map[string]string
	wg        sync.WaitGroup
	addr      string
	tlsConfig *tls.Config
}

func newFakeServer(t *testing.T, responses map[string]string) *fakeServer {
	t.Helper()
	s := &fakeServer{
		t:         t,
		tmpDir:    testlib.MustTempDir(t),
		responses: responses,
	}
	s.start()
	return s
}

func (s *fakeServer) cleanup() {
	if len(s.tmpDir) > 8 {
		os.RemoveAll(s.tmpDir)
	}
}

func (s *fakeServer) initTLS() {
	var err error
	s.tlsConfig, err = testlib.GenerateCert(s.tmpDir)
	if err != nil {
		s.t.Fatalf("error generating cert: %v", err)
	}
	cert, err := tls.LoadX509KeyPair(s.tmpDir+"/cert.pem", s.tmpDir+"/key.pem")
	if err != nil {
		s.t.Fatalf("error loading temp cert: %v", err)
	}
	s.tlsConfig.Certificates = []tls.Certificate{cert}
}

func (s *fakeServer) rootCA() *x509.CertPool {
	s.t.Helper()
	pool := x509.NewCertPool()
	data, err := os.ReadFile(s.tmpDir + "/cert.pem")
	if err != nil {
		s.t.Fatalf("error reading cert: %v", err)
	}
	if !pool.AppendCertsFromPEM(data) {
		s.t.Fatalf("failed to load cert")
	}
	return pool
}

func (s *fakeServer) start() {
	s.t.Helper()
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		s.t.Fatalf("fake server listen: %v", err)
	}
	s.addr = l.Addr().String()
	s.initTLS()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer l.Close()

		c, err := l.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		r := textproto.NewReader(bufio.NewReader(c))
		c.Write([]byte(s.responses["_welcome"]))
		for {
			line, err := r.ReadLine()
			if err != nil {
				return
			}

			if line == "STARTTLS" && s.responses["_STARTTLS"] == "ok" {
				c.Write([]byte(s.responses["STARTTLS"]))
				tlssrv := tls.Server(c, s.tlsConfig)
				if err := tlssrv.Handshake(); err != nil {
					return
				}
				c = tlssrv
				defer c.Close()
				r = textproto.NewReader(bufio.NewReader(c))
				continue
			}

			c.Write([]byte(s.responses[line]))
			if line == "DATA" {
				if _, err := r.ReadDotBytes(); err != nil {
					return
				}
				c.Write([]byte(s.responses["_DATA"]))
			}
		}
	}()
}

func (s *fakeServer) hostPort() (string, string) {
	host, port, _ := net.SplitHostPort(s.addr)
	return host, port
}

func (s *fakeServer) wait() {
	s.wg.Wait()
}
