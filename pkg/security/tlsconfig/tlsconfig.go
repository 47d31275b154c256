package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

var ErrMissingKeyPair = errors.New("tlsconfig: server cert/key required when TLS enabled")

// DefaultReload is how long a loaded certificate is served before the
// files are read again.
const DefaultReload = 10 * time.Second

// Options defines mTLS inputs shared by every transport of a node.
type Options struct {
	Enable             bool
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
	ServerName         string
	// Reload is the certificate cache TTL; zero uses DefaultReload.
	Reload time.Duration
}

// Server returns a server tls.Config, or nil when TLS is disabled. The
// certificate is re-read from disk lazily on handshake so it can be rotated
// by replacing the files. A CA file turns on client certificate checks.
func (o Options) Server() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return nil, ErrMissingKeyPair
	}
	certs := o.loader()
	if _, err := certs.get(); err != nil {
		return nil, err
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if o.CAFile != "" {
		pool, err := readPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return certs.get() }
	return cfg, nil
}

// Client returns a client tls.Config, or nil when TLS is disabled. A client
// certificate is presented only when both cert and key are configured.
func (o Options) Client() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
	if o.ServerName != "" {
		cfg.ServerName = o.ServerName
	}
	if o.CAFile != "" {
		pool, err := readPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if o.CertFile != "" && o.KeyFile != "" {
		certs := o.loader()
		if _, err := certs.get(); err != nil {
			return nil, err
		}
		cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return certs.get() }
	}
	return cfg, nil
}

func readPool(path string) (*x509.CertPool, error) {
	ca, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("tlsconfig: no certificates in %s", path)
	}
	return pool, nil
}

type certLoader struct {
	certFile, keyFile string
	ttl               time.Duration

	mu       sync.RWMutex
	cached   *tls.Certificate
	lastLoad time.Time
}

func (o Options) loader() *certLoader {
	ttl := o.Reload
	if ttl <= 0 {
		ttl = DefaultReload
	}
	return &certLoader{certFile: o.CertFile, keyFile: o.KeyFile, ttl: ttl}
}

func (l *certLoader) get() (*tls.Certificate, error) {
	l.mu.RLock()
	if l.cached != nil && time.Since(l.lastLoad) < l.ttl {
		c := l.cached
		l.mu.RUnlock()
		return c, nil
	}
	l.mu.RUnlock()
	cert, err := tls.LoadX509KeyPair(l.certFile, l.keyFile)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: load key pair: %w", err)
	}
	l.mu.Lock()
	l.cached = &cert
	l.lastLoad = time.Now()
	l.mu.Unlock()
	return &cert, nil
}
