package sns

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// signatureVersion1 is the SHA1/RSA scheme; the only one accepted.
	signatureVersion1 = "1"

	// defaultCertHostSuffix is the required suffix of the signing
	// certificate host.
	defaultCertHostSuffix = ".amazonaws.com"

	certFileExtension = ".pem"

	maxCertSize = 1 << 20
)

// Verifier checks envelope authenticity against the dynamically fetched
// signing certificate. All failure modes yield false; it never reports an
// error to the caller because absence of the capability to verify is
// treated the same as a cryptographic mismatch.
type Verifier struct {
	client         *http.Client
	parser         CertificateParser
	certHostSuffix string
	disabled       bool
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithHTTPClient overrides the client used to fetch signing certificates.
func WithHTTPClient(c *http.Client) VerifierOption {
	return func(v *Verifier) { v.client = c }
}

// WithCertificateParser overrides the certificate parser.
func WithCertificateParser(p CertificateParser) VerifierOption {
	return func(v *Verifier) { v.parser = p }
}

// WithCertHostSuffix overrides the required signing certificate host
// suffix.
func WithCertHostSuffix(suffix string) VerifierOption {
	return func(v *Verifier) { v.certHostSuffix = suffix }
}

// WithVerificationDisabled turns verification off; every envelope is then
// treated as verified. For local and test environments only.
func WithVerificationDisabled(disabled bool) VerifierOption {
	return func(v *Verifier) { v.disabled = disabled }
}

func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{
		client:         &http.Client{Timeout: 10 * time.Second},
		parser:         X509CertificateParser{},
		certHostSuffix: defaultCertHostSuffix,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify reports whether the envelope's signature is authentic. Malformed
// input returns false, never an error or panic.
func (v *Verifier) Verify(ctx context.Context, env *Envelope) bool {
	if v.disabled {
		return true
	}
	if env == nil {
		return false
	}
	if env.SignatureVersion != signatureVersion1 {
		return false
	}
	canonical, ok := env.CanonicalString()
	if !ok {
		return false
	}
	if !v.validCertURL(env.SigningCertURL) {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return false
	}

	pemData, err := v.fetchCert(ctx, env.SigningCertURL)
	if err != nil {
		return false
	}
	key, err := v.parser.PublicKey(pemData)
	if err != nil {
		return false
	}

	digest := sha1.Sum([]byte(canonical))
	return rsa.VerifyPKCS1v15(key, crypto.SHA1, digest[:], sig) == nil
}

// validCertURL requires HTTPS, a host under the provider domain, and a
// .pem path. Any mismatch rejects without fetching.
func (v *Verifier) validCertURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "https" {
		return false
	}
	if !strings.HasSuffix(u.Hostname(), v.certHostSuffix) {
		return false
	}
	return strings.HasSuffix(u.Path, certFileExtension)
}

// fetchCert retrieves the signing certificate. No caching: the
// certificate is fetched fresh on every verification.
func (v *Verifier) fetchCert(ctx context.Context, certURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, certURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &url.Error{Op: "Get", URL: certURL, Err: io.ErrUnexpectedEOF}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxCertSize))
}
