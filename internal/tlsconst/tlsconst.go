// Package tlsconst contains TLS constants for human consumption, used to
// log the TLS version negotiated during an attempt's handshake.
package tlsconst

import (
	"crypto/tls"
	"fmt"
)

var versionName = map[uint16]string{
	tls.VersionTLS10: "TLS-1.0",
	tls.VersionTLS11: "TLS-1.1",
	tls.VersionTLS12: "TLS-1.2",
	tls.VersionTLS13: "TLS-1.3",
}

// VersionName returns a human-readable TLS version name.
func VersionName(v uint16) string {
	name, ok := versionName[v]
	if !ok {
		return fmt.Sprintf("TLS-%#04x", v)
	}
	return name
}

// CipherSuiteName returns a human-readable TLS cipher suite name, using
// crypto/tls's own registry (added in Go 1.14, well after chasquid's
// hand-generated ciphers.go table was written).
func CipherSuiteName(s uint16) string {
	for _, cs := range tls.CipherSuites() {
		if cs.ID == s {
			return cs.Name
		}
	}
	for _, cs := range tls.InsecureCipherSuites() {
		if cs.ID == s {
			return cs.Name
		}
	}
	return fmt.Sprintf("TLS_UNKNOWN_CIPHER_SUITE-%#04x", s)
}
