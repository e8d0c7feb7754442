package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"licenseplatform/internal/license"
)

// LoadCertificate reads an X.509 certificate in PEM or DER form.
func LoadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &license.Error{Kind: license.KindKey, Op: "load certificate", Err: err}
	}
	return ParseCertificate(data)
}

// ParseCertificate decodes PEM when a CERTIFICATE block is present and falls
// back to raw DER otherwise.
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, &license.Error{
				Kind: license.KindKey,
				Op:   "parse certificate",
				Err:  fmt.Errorf("unexpected PEM block %q", block.Type),
			}
		}
		der = block.Bytes
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, &license.Error{Kind: license.KindKey, Op: "parse certificate", Err: err}
	}
	return cert, nil
}

// PublicKeyFromCertificate returns the certificate's public key if it is a
// type the signature engine verifies with.
func PublicKeyFromCertificate(cert *x509.Certificate) (crypto.PublicKey, error) {
	if cert == nil {
		return nil, &license.Error{Kind: license.KindKey, Op: "certificate public key", Err: fmt.Errorf("nil certificate")}
	}
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
		return pub, nil
	default:
		return nil, &license.Error{
			Kind: license.KindKey,
			Op:   "certificate public key",
			Err:  fmt.Errorf("unsupported public key type %T", cert.PublicKey),
		}
	}
}

// LoadPublicKey is LoadCertificate followed by PublicKeyFromCertificate.
func LoadPublicKey(path string) (crypto.PublicKey, error) {
	cert, err := LoadCertificate(path)
	if err != nil {
		return nil, err
	}
	return PublicKeyFromCertificate(cert)
}
