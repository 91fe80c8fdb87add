// Package trust implements certificate-pinned mutual TLS for the command
// dispatch surface. Only certificates traceable to one specific CA,
// identified by the SHA-256 fingerprint of its content, are accepted;
// the platform certificate store is never consulted.
package trust

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Validator checks peer certificate chains against a single pinned CA
// fingerprint during the TLS handshake.
type Validator struct {
	pinned string
	logger zerolog.Logger

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewValidator creates a validator for the given pinned fingerprint.
// The fingerprint may carry a "sha256:" prefix or colon separators;
// comparison is case-insensitive.
func NewValidator(fingerprint string, logger zerolog.Logger) *Validator {
	return &Validator{
		pinned: NormalizeFingerprint(fingerprint),
		logger: logger.With().Str("component", "trust").Logger(),
		now:    time.Now,
	}
}

// NormalizeFingerprint strips the sha256: prefix and colon separators
// and lowercases the hex digest.
func NormalizeFingerprint(fp string) string {
	fp = strings.TrimPrefix(fp, "sha256:")
	fp = strings.ReplaceAll(fp, ":", "")
	return strings.ToLower(strings.TrimSpace(fp))
}

// Fingerprint computes the SHA-256 fingerprint of a certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// FingerprintMismatchError indicates the issuing CA fingerprint doesn't
// match the pinned value. This likely indicates an untrusted CA or a
// MITM attempt.
type FingerprintMismatchError struct {
	Expected string
	Received string
}

func (e *FingerprintMismatchError) Error() string {
	return fmt.Sprintf("CA fingerprint mismatch: expected %s, received %s", e.Expected, e.Received)
}

// VerifyPeer validates a presented certificate chain:
//
//  1. At least one certificate must be presented.
//  2. The issuing CA (last certificate of the chain) is fingerprinted
//     and compared against the pinned value.
//  3. The leaf must be within its validity window and actually signed
//     by the pinned CA.
//
// On success the validated leaf is returned so callers can log the
// subject for audit.
func (v *Validator) VerifyPeer(rawCerts [][]byte) (*x509.Certificate, error) {
	if len(rawCerts) == 0 {
		return nil, fmt.Errorf("no peer certificate presented")
	}

	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for i, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse peer certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}

	leaf := certs[0]
	issuer := certs[len(certs)-1]
	if len(certs) == 1 {
		// A lone leaf can only satisfy the pin if it is the CA itself.
		if !leaf.IsCA {
			return nil, fmt.Errorf("peer presented no issuing CA certificate")
		}
	} else if !issuer.IsCA {
		return nil, fmt.Errorf("last certificate in peer chain is not a CA")
	}

	received := Fingerprint(issuer)
	if received != v.pinned {
		return nil, &FingerprintMismatchError{Expected: v.pinned, Received: received}
	}

	now := v.now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return nil, fmt.Errorf("peer certificate for %q is expired or not yet valid", leaf.Subject.CommonName)
	}

	// Verify the chain is actually signed link by link, ending at the
	// pinned CA; presenting an unrelated pinned CA next to a foreign
	// leaf must not pass.
	for i := 0; i < len(certs)-1; i++ {
		if err := certs[i].CheckSignatureFrom(certs[i+1]); err != nil {
			return nil, fmt.Errorf("certificate %d not signed by its presented issuer: %w", i, err)
		}
	}

	return leaf, nil
}

// ServerTLSConfig returns the TLS configuration for the dispatch server.
// Client certificates are required and validated against the pinned CA
// before any application logic runs. With insecure true the client
// certificate requirement is dropped entirely; that mode exists for
// development only and is logged loudly.
func (v *Validator) ServerTLSConfig(cert tls.Certificate, insecure bool) *tls.Config {
	if insecure {
		v.logger.Warn().Msg("INSECURE MODE: client certificates are NOT required; all RPC callers are trusted blindly")
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		// RequireAnyClientCert makes the stack demand a certificate and
		// hands the raw chain to VerifyPeerCertificate; chain building
		// against the system pool is deliberately skipped because trust
		// is decided by content hash, not by name.
		ClientAuth: tls.RequireAnyClientCert,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			leaf, err := v.VerifyPeer(rawCerts)
			if err != nil {
				v.logger.Warn().Err(err).Msg("Rejected client connection")
				return err
			}
			v.logger.Info().
				Str("subject", leaf.Subject.String()).
				Str("serial", leaf.SerialNumber.String()).
				Msg("Validated client certificate")
			return nil
		},
	}
}

// ClientTLSConfig returns the TLS configuration for dialing a peer's
// dispatch server. The same CA pinning applies to the server's chain.
func (v *Validator) ClientTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		// Verification happens in VerifyPeerCertificate against the
		// pinned fingerprint instead of the system roots.
		InsecureSkipVerify: true, // #nosec G402: manual pin validation below.
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			_, err := v.VerifyPeer(rawCerts)
			return err
		},
	}
}
