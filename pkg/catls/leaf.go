package catls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"net"
	"time"

	"golang.org/x/net/idna"

	"github.com/relayhq/mitmproxy/pkg/constants"
	"github.com/relayhq/mitmproxy/pkg/errors"
	"github.com/relayhq/mitmproxy/pkg/tlsconfig"
)

// leafEntry is a cached, signed leaf certificate and its private key.
type leafEntry struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	der  []byte
}

const leafClockSkew = 60 * time.Second

// ServerConfigFor returns a *tls.Config presenting a leaf certificate for
// hostname, signed by the CA. The leaf is created on first use and cached
// for the lifetime of the Store; concurrent callers for the same hostname
// share a single issuance via a per-host single-flight gate.
func (s *Store) ServerConfigFor(hostname string) (*tls.Config, error) {
	normalized, err := normalizeHost(hostname)
	if err != nil {
		return nil, err
	}

	entry, err := s.leafFor(normalized)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{
			{
				Certificate: [][]byte{entry.der, s.caCert.Raw},
				PrivateKey:  entry.key,
				Leaf:        entry.cert,
			},
		},
		ServerName: normalized,
	}
	tlsconfig.Apply(cfg, s.profile)
	return cfg, nil
}

// leafFor returns the cached leaf for host, issuing it if absent. A single
// goroutine performs the issuance for a given host; others wait on it.
func (s *Store) leafFor(host string) (*leafEntry, error) {
	s.mu.RLock()
	entry, ok := s.leaves[host]
	s.mu.RUnlock()
	if ok {
		return entry, nil
	}

	s.inflightMu.Lock()
	if wait, inflight := s.inflight[host]; inflight {
		s.inflightMu.Unlock()
		<-wait
		s.mu.RLock()
		entry, ok := s.leaves[host]
		s.mu.RUnlock()
		if !ok {
			return nil, errors.New(errors.KindTLSHandshake, "catls.leaf", "issuance for host failed in another goroutine", nil)
		}
		return entry, nil
	}
	done := make(chan struct{})
	s.inflight[host] = done
	s.inflightMu.Unlock()

	defer func() {
		s.inflightMu.Lock()
		delete(s.inflight, host)
		s.inflightMu.Unlock()
		close(done)
	}()

	entry, err := s.issueLeaf(host)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.leaves[host] = entry
	s.mu.Unlock()
	return entry, nil
}

func (s *Store) issueLeaf(host string) (*leafEntry, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.New(errors.KindTLSHandshake, "catls.issue_leaf", "generating leaf key", err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-leafClockSkew),
		NotAfter:     now.Add(constants.DefaultLeafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, s.caCert, &key.PublicKey, s.caKey)
	if err != nil {
		return nil, errors.New(errors.KindTLSHandshake, "catls.issue_leaf", "creating leaf certificate", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.New(errors.KindTLSHandshake, "catls.issue_leaf", "parsing leaf certificate", err)
	}

	if s.onLeafIssued != nil {
		s.onLeafIssued()
	}
	return &leafEntry{cert: cert, key: key, der: der}, nil
}

// normalizeHost lowercases and IDNA-normalizes a SNI/CONNECT hostname,
// leaving literal IP addresses untouched.
func normalizeHost(host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", errors.New(errors.KindClientParse, "catls.normalize_host", "invalid hostname: "+host, err)
	}
	return ascii, nil
}

// LeafCount reports the number of cached leaves, for diagnostics and tests.
func (s *Store) LeafCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.leaves)
}
