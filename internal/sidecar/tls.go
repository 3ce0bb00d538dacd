package sidecar

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"
)

// TLSConfig holds the optional (mutual) TLS settings of the sidecar.
type TLSConfig struct {
	ServerCert   string
	ServerKey    string
	ClientCACert string
	RequireAuth  bool
}

// LoadTLSConfig reads TLS settings from the environment.
func LoadTLSConfig() TLSConfig {
	return TLSConfig{
		ServerCert:   os.Getenv("BALLAST_SIDECAR_TLS_CERT"),
		ServerKey:    os.Getenv("BALLAST_SIDECAR_TLS_KEY"),
		ClientCACert: os.Getenv("BALLAST_SIDECAR_CLIENT_CA"),
		RequireAuth:  os.Getenv("BALLAST_SIDECAR_REQUIRE_MTLS") == "true",
	}
}

// Enabled reports whether a certificate was configured
func (c TLSConfig) Enabled() bool {
	return c.ServerCert != "" && c.ServerKey != ""
}

// Build loads the certificates. Client certificates are verified when
// RequireAuth is set and a CA is given.
func (c TLSConfig) Build() (*tls.Config, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}
	cert, err := tls.LoadX509KeyPair(c.ServerCert, c.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.RequireAuth && c.ClientCACert != "" {
		pem, err := os.ReadFile(c.ClientCACert)
		if err != nil {
			return nil, fmt.Errorf("read client CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse client CA certificate")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		log.Info().Str("ca_cert", c.ClientCACert).Msg("mTLS client authentication enabled")
	}
	return cfg, nil
}

// MTLSMiddleware rejects requests without a client certificate when
// requireAuth is set and logs the subject of the ones that have one.
func MTLSMiddleware(requireAuth bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
				if requireAuth {
					http.Error(w, "client certificate required", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			cert := r.TLS.PeerCertificates[0]
			log.Debug().
				Str("subject", cert.Subject.String()).
				Str("serial", cert.SerialNumber.String()).
				Msg("mTLS client authenticated")
			next.ServeHTTP(w, r)
		})
	}
}
