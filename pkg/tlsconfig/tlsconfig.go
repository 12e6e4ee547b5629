// Package tlsconfig provides named TLS version/cipher-suite profiles for the
// proxy's two TLS roles: the MITM handshake it performs with the client, and
// the handshake it performs against the real upstream host.
package tlsconfig

import "crypto/tls"

// Protocol version identifiers, re-exported for callers that only need a
// profile and shouldn't have to import crypto/tls directly.
const (
	VersionTLS10 uint16 = tls.VersionTLS10
	VersionTLS11 uint16 = tls.VersionTLS11
	VersionTLS12 uint16 = tls.VersionTLS12
	VersionTLS13 uint16 = tls.VersionTLS13
)

// Profile bundles a version range with the cipher suites to offer for it.
type Profile struct {
	Min          uint16
	Max          uint16
	CipherSuites []uint16 // nil lets crypto/tls pick (required for TLS 1.3)
	Description  string
}

var (
	// ProfileModern offers TLS 1.3 only.
	ProfileModern = Profile{
		Min:         VersionTLS13,
		Max:         VersionTLS13,
		Description: "TLS 1.3 only",
	}

	// ProfileSecure offers TLS 1.2 and 1.3 with AEAD-only TLS 1.2 suites.
	// This is the Store's default for the client-facing config; the upstream
	// handshake applies no profile unless the caller's TLS config does.
	ProfileSecure = Profile{
		Min:          VersionTLS12,
		Max:          VersionTLS13,
		CipherSuites: cipherSuitesTLS12Secure,
		Description:  "TLS 1.2+, AEAD cipher suites only",
	}

	// ProfileCompatible adds TLS 1.0/1.1 and CBC suites for upstream hosts
	// that have not kept current; never use this for the client-facing side.
	ProfileCompatible = Profile{
		Min:          VersionTLS10,
		Max:          VersionTLS13,
		CipherSuites: cipherSuitesTLS12Compatible,
		Description:  "TLS 1.0+, includes deprecated versions and CBC suites",
	}
)

var cipherSuitesTLS12Secure = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

var cipherSuitesTLS12Compatible = append(append([]uint16{}, cipherSuitesTLS12Secure...),
	tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
)

// VersionName returns a human-readable name for a TLS version constant.
func VersionName(version uint16) string {
	switch version {
	case VersionTLS10:
		return "TLS 1.0"
	case VersionTLS11:
		return "TLS 1.1"
	case VersionTLS12:
		return "TLS 1.2"
	case VersionTLS13:
		return "TLS 1.3"
	default:
		return "unknown"
	}
}

// Apply sets config's version range and cipher suites from the profile.
func Apply(config *tls.Config, profile Profile) {
	config.MinVersion = profile.Min
	config.MaxVersion = profile.Max
	config.CipherSuites = profile.CipherSuites
}

// ProfileByName resolves a profile by its config-file name, defaulting to
// ProfileSecure for an empty or unrecognized name.
func ProfileByName(name string) Profile {
	switch name {
	case "modern":
		return ProfileModern
	case "compatible":
		return ProfileCompatible
	default:
		return ProfileSecure
	}
}
