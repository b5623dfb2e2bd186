package sns

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// signingFixture holds a key pair, a PEM-encoded self-signed certificate
// for it, and a TLS server that serves the certificate.
type signingFixture struct {
	key     *rsa.PrivateKey
	server  *httptest.Server
	fetches atomic.Int64
}

func newSigningFixture(t *testing.T) *signingFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "sns.us-east-1.amazonaws.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	pemData := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	f := &signingFixture{key: key}
	f.server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.fetches.Add(1)
		w.Write(pemData)
	}))
	t.Cleanup(f.server.Close)

	return f
}

func (f *signingFixture) certURL() string {
	return f.server.URL + "/SimpleNotificationService-abc123.pem"
}

// sign fills in the envelope's signature fields with a valid signature
// over its canonical string.
func (f *signingFixture) sign(t *testing.T, env *Envelope) {
	t.Helper()

	env.SignatureVersion = "1"
	env.SigningCertURL = f.certURL()

	canonical, ok := env.CanonicalString()
	require.True(t, ok)

	digest := sha1.Sum([]byte(canonical))
	sig, err := rsa.SignPKCS1v15(rand.Reader, f.key, crypto.SHA1, digest[:])
	require.NoError(t, err)
	env.Signature = base64.StdEncoding.EncodeToString(sig)
}

// verifier builds a Verifier trusting the fixture's TLS server and
// accepting its host.
func (f *signingFixture) verifier(opts ...VerifierOption) *Verifier {
	base := []VerifierOption{
		WithHTTPClient(f.server.Client()),
		WithCertHostSuffix(""),
	}
	return NewVerifier(append(base, opts...)...)
}

func notificationEnvelope() *Envelope {
	return &Envelope{
		Type:      TypeNotification,
		MessageID: "sns-msg-1",
		Subject:   "Amazon SES Email Event Notification",
		Message:   `{"eventType":"Delivery"}`,
		Timestamp: "2024-05-01T12:00:00Z",
		TopicARN:  "arn:aws:sns:us-east-1:123:ses-events",
	}
}

func TestVerify_ValidSignature(t *testing.T) {
	f := newSigningFixture(t)
	env := notificationEnvelope()
	f.sign(t, env)

	assert.True(t, f.verifier().Verify(context.Background(), env))
	assert.Equal(t, int64(1), f.fetches.Load())
}

func TestVerify_CertFetchedFreshEveryTime(t *testing.T) {
	f := newSigningFixture(t)
	env := notificationEnvelope()
	f.sign(t, env)

	v := f.verifier()
	ctx := context.Background()
	assert.True(t, v.Verify(ctx, env))
	assert.True(t, v.Verify(ctx, env))
	assert.Equal(t, int64(2), f.fetches.Load(), "no certificate caching")
}

func TestVerify_TamperedMessage(t *testing.T) {
	f := newSigningFixture(t)
	env := notificationEnvelope()
	f.sign(t, env)
	env.Message = `{"eventType":"Bounce"}`

	assert.False(t, f.verifier().Verify(context.Background(), env))
}

func TestVerify_WrongSignatureVersion(t *testing.T) {
	f := newSigningFixture(t)
	env := notificationEnvelope()
	f.sign(t, env)
	env.SignatureVersion = "2"

	assert.False(t, f.verifier().Verify(context.Background(), env))
	assert.Zero(t, f.fetches.Load(), "rejected before fetching")
}

func TestVerify_CertURLValidation(t *testing.T) {
	f := newSigningFixture(t)
	env := notificationEnvelope()
	f.sign(t, env)

	tests := []struct {
		name   string
		url    string
		suffix string
	}{
		{"plain http", "http://sns.us-east-1.amazonaws.com/cert.pem", ".amazonaws.com"},
		{"wrong domain", "https://evil.example.com/cert.pem", ".amazonaws.com"},
		{"wrong extension", "https://sns.us-east-1.amazonaws.com/cert.txt", ".amazonaws.com"},
		{"unparsable", "https://[bad url\x00", ".amazonaws.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(
				WithHTTPClient(f.server.Client()),
				WithCertHostSuffix(tt.suffix),
			)
			env.SigningCertURL = tt.url
			assert.False(t, v.Verify(context.Background(), env))
		})
	}

	assert.Zero(t, f.fetches.Load(), "invalid cert URLs are never fetched")
}

func TestVerify_UnsignedUnknownType(t *testing.T) {
	f := newSigningFixture(t)
	env := notificationEnvelope()
	f.sign(t, env)
	env.Type = "SomethingNew"

	assert.False(t, f.verifier().Verify(context.Background(), env))
}

func TestVerify_BadBase64Signature(t *testing.T) {
	f := newSigningFixture(t)
	env := notificationEnvelope()
	f.sign(t, env)
	env.Signature = "%%% not base64 %%%"

	assert.False(t, f.verifier().Verify(context.Background(), env))
}

func TestVerify_CertFetchFailure(t *testing.T) {
	f := newSigningFixture(t)
	env := notificationEnvelope()
	f.sign(t, env)
	f.server.Close()

	assert.False(t, f.verifier().Verify(context.Background(), env))
}

func TestVerify_CertFetchNonSuccess(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := newSigningFixture(t)
	env := notificationEnvelope()
	f.sign(t, env)
	env.SigningCertURL = server.URL + "/missing.pem"

	v := NewVerifier(WithHTTPClient(server.Client()), WithCertHostSuffix(""))
	assert.False(t, v.Verify(context.Background(), env))
}

func TestVerify_UnparsableCertificate(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not PEM"))
	}))
	defer server.Close()

	f := newSigningFixture(t)
	env := notificationEnvelope()
	f.sign(t, env)
	env.SigningCertURL = server.URL + "/garbage.pem"

	v := NewVerifier(WithHTTPClient(server.Client()), WithCertHostSuffix(""))
	assert.False(t, v.Verify(context.Background(), env))
}

func TestVerify_UnavailableCertParserFailsClosed(t *testing.T) {
	f := newSigningFixture(t)
	env := notificationEnvelope()
	f.sign(t, env)

	v := f.verifier(WithCertificateParser(UnavailableCertificateParser{}))
	assert.False(t, v.Verify(context.Background(), env))
}

func TestVerify_Disabled(t *testing.T) {
	v := NewVerifier(WithVerificationDisabled(true))

	// Even a completely unsigned envelope passes.
	assert.True(t, v.Verify(context.Background(), &Envelope{Type: TypeNotification}))
}

func TestVerify_NilEnvelope(t *testing.T) {
	assert.False(t, NewVerifier().Verify(context.Background(), nil))
}

func TestX509CertificateParser(t *testing.T) {
	t.Run("rejects garbage", func(t *testing.T) {
		_, err := X509CertificateParser{}.PublicKey([]byte("nope"))
		assert.Error(t, err)
	})

	t.Run("unavailable parser always errors", func(t *testing.T) {
		_, err := UnavailableCertificateParser{}.PublicKey(nil)
		assert.ErrorIs(t, err, ErrCertParserUnavailable)
	})
}
