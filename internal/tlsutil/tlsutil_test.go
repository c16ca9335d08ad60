package tlsutil

import (
	"crypto/tls"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTLSConfig(t *testing.T) {
	cfg := DefaultTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	require.Len(t, cfg.CipherSuites, len(aeadSuites))

	insecure := map[uint16]bool{}
	for _, cs := range tls.InsecureCipherSuites() {
		insecure[cs.ID] = true
	}
	for _, cs := range cfg.CipherSuites {
		assert.False(t, insecure[cs], "insecure cipher suite %s", tls.CipherSuiteName(cs))
	}

	// 修改返回值不影响后续调用
	cfg.MinVersion = tls.VersionTLS13
	cfg.CipherSuites[0] = tls.TLS_RSA_WITH_AES_128_CBC_SHA
	fresh := DefaultTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), fresh.MinVersion)
	assert.Equal(t, aeadSuites[0], fresh.CipherSuites[0])
}

func TestServerTLSConfig(t *testing.T) {
	cfg := ServerTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, []string{"h2", "http/1.1"}, cfg.NextProtos)
}

func TestRedisTLSConfig(t *testing.T) {
	tests := []struct {
		addr       string
		serverName string
	}{
		{"cache.internal:6380", "cache.internal"},
		{"cache.internal", "cache.internal"},
		{"10.0.0.5:6380", ""},
		{"[::1]:6380", ""},
	}
	for _, tt := range tests {
		cfg := RedisTLSConfig(tt.addr)
		assert.Equal(t, tt.serverName, cfg.ServerName, tt.addr)
		assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	}
}

func TestSecureHTTPClient(t *testing.T) {
	client := SecureHTTPClient(5 * time.Second)
	assert.Equal(t, 5*time.Second, client.Timeout)

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	require.NotNil(t, transport.TLSClientConfig)
	assert.Equal(t, uint16(tls.VersionTLS12), transport.TLSClientConfig.MinVersion)
	assert.Equal(t, 5*time.Second, transport.TLSHandshakeTimeout)
	assert.True(t, transport.ForceAttemptHTTP2)
}
