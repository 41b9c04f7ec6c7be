// Package certs loads the HTTPS key pair and swaps it on reload.
package certs

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrExpired = errors.New("certificate is expired")

// CertManager holds the server certificate loaded from certFile and keyFile.
type CertManager struct {
	certFile string
	keyFile  string
	now      func() time.Time

	mu   sync.RWMutex
	cert *tls.Certificate
}

func NewCertManager(certFile, keyFile string) *CertManager {
	return &CertManager{certFile: certFile, keyFile: keyFile, now: time.Now}
}

// Load reads the key pair. On failure the previously loaded pair stays in use.
func (cm *CertManager) Load() error {
	pair, err := tls.LoadX509KeyPair(cm.certFile, cm.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load key pair: %w", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}
	if IsExpired(leaf, cm.now()) {
		return fmt.Errorf("%w: %s expired %s", ErrExpired, cm.certFile, leaf.NotAfter.Format(time.RFC3339))
	}
	pair.Leaf = leaf
	cm.mu.Lock()
	cm.cert = &pair
	cm.mu.Unlock()
	return nil
}

// NotAfter returns the expiry of the loaded certificate.
func (cm *CertManager) NotAfter() time.Time {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.cert == nil || cm.cert.Leaf == nil {
		return time.Time{}
	}
	return cm.cert.Leaf.NotAfter
}

// TLSConfig serves whatever pair was loaded last.
func (cm *CertManager) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cm.mu.RLock()
			defer cm.mu.RUnlock()
			if cm.cert == nil {
				return nil, errors.New("no certificate loaded")
			}
			return cm.cert, nil
		},
	}
}

func IsExpired(cert *x509.Certificate, now time.Time) bool {
	return cert.NotAfter.Before(now)
}
