package trust

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// LoadKeypair loads a PEM certificate/key pair from disk. When the
// private key block is password-protected (legacy encrypted PEM), the
// supplied password decrypts it; for unencrypted keys the password is
// ignored.
func LoadKeypair(certFile, keyFile, password string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read certificate %s: %w", certFile, err)
	}

	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read private key %s: %w", keyFile, err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return tls.Certificate{}, fmt.Errorf("no PEM block found in %s", keyFile)
	}

	//nolint:staticcheck // legacy encrypted PEM keys are still issued by the cert tooling.
	if x509.IsEncryptedPEMBlock(block) {
		if password == "" {
			return tls.Certificate{}, fmt.Errorf("private key %s is encrypted but no password was provided", keyFile)
		}
		//nolint:staticcheck
		der, err := x509.DecryptPEMBlock(block, []byte(password))
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to decrypt private key %s: %w", keyFile, err)
		}
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load keypair: %w", err)
	}
	return cert, nil
}

// LeafFingerprint returns the SHA-256 fingerprint of the keypair's leaf
// certificate. Advertised in the capability descriptor for audit; the
// TLS handshake is what actually proves possession.
func LeafFingerprint(cert tls.Certificate) (string, error) {
	if len(cert.Certificate) == 0 {
		return "", fmt.Errorf("keypair holds no certificate")
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return "", fmt.Errorf("failed to parse leaf certificate: %w", err)
	}
	return Fingerprint(leaf), nil
}

// FingerprintFile computes the SHA-256 fingerprint of the first
// certificate in a PEM file. Used by the CLI to derive the pin for a CA
// certificate.
func FingerprintFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return "", fmt.Errorf("no certificate PEM block found in %s", path)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse certificate in %s: %w", path, err)
	}
	return Fingerprint(cert), nil
}
