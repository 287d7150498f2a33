// Package udaptest builds throwaway trust communities for tests.
package udaptest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"udapgw/udap"
)

var serial atomic.Int64

// CA is a community certificate authority.
type CA struct {
	Cert *x509.Certificate
	Key  crypto.Signer
	// Parents holds intermediates between this CA and the root, nearest first.
	Parents []*x509.Certificate
}

// NewCA creates a self-signed community root.
func NewCA(tb testing.TB) *CA {
	tb.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		tb.Fatalf("generate ca key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial.Add(1)),
		Subject:               pkix.Name{CommonName: "Test Community Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		tb.Fatalf("create ca: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		tb.Fatalf("parse ca: %v", err)
	}
	return &CA{Cert: cert, Key: key}
}

// PEM encodes the CA certificate.
func (ca *CA) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Cert.Raw})
}

// Anchor returns the CA as a trust anchor.
func (ca *CA) Anchor(tb testing.TB) *udap.TrustAnchor {
	tb.Helper()
	anchor, err := udap.ParseTrustAnchorPEM(ca.PEM())
	if err != nil {
		tb.Fatalf("parse anchor: %v", err)
	}
	return anchor
}

// Intermediate issues a subordinate CA.
func (ca *CA) Intermediate(tb testing.TB) *CA {
	tb.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		tb.Fatalf("generate intermediate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial.Add(1)),
		Subject:               pkix.Name{CommonName: "Test Community Intermediate"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, key.Public(), ca.Key)
	if err != nil {
		tb.Fatalf("create intermediate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		tb.Fatalf("parse intermediate: %v", err)
	}
	parents := append([]*x509.Certificate{ca.Cert}, ca.Parents...)
	return &CA{Cert: cert, Key: key, Parents: parents}
}

// Issue creates an RSA member credential with san as its only SAN. URL
// shaped values become URI SANs, anything else a DNS name.
func (ca *CA) Issue(tb testing.TB, san string) *udap.Credential {
	tb.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		tb.Fatalf("generate member key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial.Add(1)),
		Subject:      pkix.Name{CommonName: san},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	if u, err := url.Parse(san); err == nil && u.Scheme != "" {
		tmpl.URIs = []*url.URL{u}
	} else {
		tmpl.DNSNames = []string{san}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, key.Public(), ca.Key)
	if err != nil {
		tb.Fatalf("create member cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		tb.Fatalf("parse member cert: %v", err)
	}
	chain := []*x509.Certificate{cert}
	if len(ca.Parents) > 0 {
		chain = append(chain, ca.Cert)
		chain = append(chain, ca.Parents[:len(ca.Parents)-1]...)
	}
	return &udap.Credential{Chain: chain, Key: key}
}

// CredentialPEM encodes the credential chain and PKCS#8 key.
func CredentialPEM(tb testing.TB, cred *udap.Credential) []byte {
	tb.Helper()
	var out []byte
	for _, cert := range cred.Chain {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	der, err := x509.MarshalPKCS8PrivateKey(cred.Key)
	if err != nil {
		tb.Fatalf("marshal key: %v", err)
	}
	return append(out, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})...)
}

// Sign signs claims with cred, attaching its chain as x5c.
func Sign(tb testing.TB, cred *udap.Credential, claims jwt.MapClaims) string {
	tb.Helper()
	signed, err := udap.GenerateSignedJWT(claims, cred, "RS256")
	if err != nil {
		tb.Fatalf("sign: %v", err)
	}
	return signed
}

// StatementClaims returns a valid client_credentials software statement.
func StatementClaims(san, aud string, now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":                        san,
		"sub":                        san,
		"aud":                        aud,
		"iat":                        now.Add(-10 * time.Second).Unix(),
		"exp":                        now.Add(4 * time.Minute).Unix(),
		"jti":                        uuid.NewString(),
		"client_name":                "Test Client",
		"grant_types":                []string{"client_credentials"},
		"scope":                      "system/Patient.read",
		"token_endpoint_auth_method": "private_key_jwt",
		"contacts":                   []string{"mailto:ops@example.org"},
	}
}

// AssertionClaims returns a valid private_key_jwt client assertion.
func AssertionClaims(clientID, aud string, now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss": clientID,
		"sub": clientID,
		"aud": aud,
		"iat": now.Add(-5 * time.Second).Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
		"jti": uuid.NewString(),
	}
}

// MetadataClaims returns valid signed_metadata claims for baseURL.
func MetadataClaims(baseURL string, now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":                    baseURL,
		"sub":                    baseURL,
		"iat":                    now.Add(-time.Minute).Unix(),
		"exp":                    now.Add(time.Hour).Unix(),
		"jti":                    uuid.NewString(),
		"authorization_endpoint": baseURL + "/authorize",
		"token_endpoint":         baseURL + "/token",
		"registration_endpoint":  baseURL + "/register",
	}
}
