// Package catls issues a local certificate authority and the per-hostname
// leaf certificates the proxy presents during its MITM TLS handshake with
// the client.
package catls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/relayhq/mitmproxy/pkg/errors"
	"github.com/relayhq/mitmproxy/pkg/tlsconfig"
)

// Subject describes the distinguished name fields for a generated CA.
type Subject struct {
	Country      string
	State        string
	Locality     string
	Organization string
	CommonName   string
}

func (s Subject) toPKIX() pkix.Name {
	name := pkix.Name{CommonName: s.CommonName}
	if s.Country != "" {
		name.Country = []string{s.Country}
	}
	if s.State != "" {
		name.Province = []string{s.State}
	}
	if s.Locality != "" {
		name.Locality = []string{s.Locality}
	}
	if s.Organization != "" {
		name.Organization = []string{s.Organization}
	}
	return name
}

// DefaultSubject is used by New when no subject is supplied.
var DefaultSubject = Subject{
	Organization: "mitmproxy local CA",
	CommonName:   "mitmproxy local CA",
}

const serialBits = 128

// Store holds the CA key pair and the cache of issued leaf certificates. A
// Store is safe for concurrent use by many connections; the CA material is
// read-only after construction, and leaf issuance is serialized per
// hostname (see leaf.go).
type Store struct {
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey

	profile tlsconfig.Profile

	// onLeafIssued, if set, runs after every successful leaf issuance (not
	// on cache hits). Intended for a caller-side issuance counter.
	onLeafIssued func()

	mu     sync.RWMutex
	leaves map[string]*leafEntry

	inflight   map[string]chan struct{}
	inflightMu sync.Mutex
}

// New generates a fresh CA with DefaultSubject: EC P-256, random serial,
// 10-year validity.
func New() (*Store, error) {
	return GenerateCA(DefaultSubject)
}

// GenerateCA generates a fresh CA with the given subject fields.
func GenerateCA(subject Subject) (*Store, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.New(errors.KindIO, "catls.generate_ca", "generating CA key", err)
	}

	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject.toPKIX(),
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, errors.New(errors.KindIO, "catls.generate_ca", "creating CA certificate", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.New(errors.KindIO, "catls.generate_ca", "parsing CA certificate", err)
	}

	return newStore(cert, key), nil
}

func newStore(cert *x509.Certificate, key *ecdsa.PrivateKey) *Store {
	return &Store{
		caCert:   cert,
		caKey:    key,
		profile:  tlsconfig.ProfileSecure,
		leaves:   make(map[string]*leafEntry),
		inflight: make(map[string]chan struct{}),
	}
}

func newSerial() (*big.Int, error) {
	max := new(big.Int).Lsh(big.NewInt(1), serialBits)
	serial, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, errors.New(errors.KindIO, "catls.serial", "generating serial number", err)
	}
	return serial, nil
}

// LoadCA adopts an existing CA from PEM-encoded key and certificate bytes.
// Both must be provided. The key must be an EC P-256 PKCS#8 key and the
// certificate must carry CA:TRUE.
func LoadCA(keyPEM, certPEM []byte) (*Store, error) {
	if len(keyPEM) == 0 || len(certPEM) == 0 {
		return nil, errors.New(errors.KindIO, "catls.load_ca", "both key and certificate are required", nil)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, errors.New(errors.KindIO, "catls.load_ca", "no PEM block found in key", nil)
	}
	parsedKey, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, errors.New(errors.KindIO, "catls.load_ca", "parsing PKCS#8 key", err)
	}
	ecKey, ok := parsedKey.(*ecdsa.PrivateKey)
	if !ok || ecKey.Curve != elliptic.P256() {
		return nil, errors.New(errors.KindIO, "catls.load_ca", "CA key must be EC P-256", nil)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, errors.New(errors.KindIO, "catls.load_ca", "no PEM block found in certificate", nil)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, errors.New(errors.KindIO, "catls.load_ca", "parsing CA certificate", err)
	}
	if !cert.IsCA {
		return nil, errors.New(errors.KindIO, "catls.load_ca", "certificate does not carry CA:TRUE", nil)
	}

	return newStore(cert, ecKey), nil
}

// SaveCA serializes the CA key (PKCS#8 PEM) and certificate (PEM) to the
// given paths.
func (s *Store) SaveCA(keyPath, certPath string) error {
	keyBytes, err := x509.MarshalPKCS8PrivateKey(s.caKey)
	if err != nil {
		return errors.New(errors.KindIO, "catls.save_ca", "marshaling CA key", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return errors.New(errors.KindIO, "catls.save_ca", "writing CA key", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.caCert.Raw})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return errors.New(errors.KindIO, "catls.save_ca", "writing CA certificate", err)
	}
	return nil
}

// CACertPEM returns the CA certificate, PEM-encoded.
func (s *Store) CACertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.caCert.Raw})
}

// CACertificate returns the parsed CA certificate.
func (s *Store) CACertificate() *x509.Certificate {
	return s.caCert
}

// SetClientProfile overrides the TLS version/cipher profile used for leaf
// server configs. Defaults to tlsconfig.ProfileSecure.
func (s *Store) SetClientProfile(profile tlsconfig.Profile) {
	s.profile = profile
}

// OnLeafIssued registers fn to run after every successful leaf issuance
// (not on cache hits or single-flight waits). Replaces any previously
// registered callback.
func (s *Store) OnLeafIssued(fn func()) {
	s.onLeafIssued = fn
}

// reload swaps in a newly loaded CA and clears the leaf cache, since leaves
// issued under the old CA no longer chain to the replacement.
func (s *Store) reload(cert *x509.Certificate, key *ecdsa.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caCert = cert
	s.caKey = key
	s.leaves = make(map[string]*leafEntry)
}
