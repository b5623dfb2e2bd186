package sns

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

var ErrCertParserUnavailable = errors.New("certificate parsing unavailable")

// CertificateParser extracts an RSA public key from a PEM-encoded signing
// certificate. The verifier takes it as a dependency so that environments
// without certificate support still fail verification closed instead of
// skipping it.
type CertificateParser interface {
	PublicKey(pemData []byte) (*rsa.PublicKey, error)
}

// X509CertificateParser parses certificates with the standard x509 stack.
type X509CertificateParser struct{}

func (X509CertificateParser) PublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in certificate data")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	key, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate public key is %T, not RSA", cert.PublicKey)
	}
	return key, nil
}

// UnavailableCertificateParser always fails. It stands in where no
// certificate support exists; every verification against it is rejected.
type UnavailableCertificateParser struct{}

func (UnavailableCertificateParser) PublicKey([]byte) (*rsa.PublicKey, error) {
	return nil, ErrCertParserUnavailable
}
