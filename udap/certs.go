package udap

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"software.sslmate.com/src/go-pkcs12"
)

// TrustAnchor is the set of community CA certificates that define
// membership in the trust community.
type TrustAnchor struct {
	Certificates []*x509.Certificate
	pool         *x509.CertPool
}

// Pool returns the certificate pool used as verification roots.
func (t *TrustAnchor) Pool() *x509.CertPool { return t.pool }

// ParseTrustAnchorPEM parses one or more PEM encoded CA certificates.
func ParseTrustAnchorPEM(data []byte) (*TrustAnchor, error) {
	anchor := &TrustAnchor{pool: x509.NewCertPool()}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse trust anchor: %w", err)
		}
		anchor.Certificates = append(anchor.Certificates, cert)
		anchor.pool.AddCert(cert)
	}
	if len(anchor.Certificates) == 0 {
		return nil, errors.New("trust anchor: no certificates found")
	}
	return anchor, nil
}

// LoadTrustAnchor reads a PEM trust anchor from disk.
func LoadTrustAnchor(path string) (*TrustAnchor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trust anchor: %w", err)
	}
	return ParseTrustAnchorPEM(data)
}

// Credential is a signing key with its certificate chain, leaf first.
type Credential struct {
	Chain []*x509.Certificate
	Key   crypto.Signer
}

// Leaf returns the end-entity certificate.
func (c *Credential) Leaf() *x509.Certificate {
	if c == nil || len(c.Chain) == 0 {
		return nil
	}
	return c.Chain[0]
}

// ParsePKCS12 decodes a PKCS#12 bundle into a credential. Both legacy
// (RC2/3DES) and PBES2 (AES, SHA-256 MAC) bundles are accepted.
func ParsePKCS12(data []byte, password string) (*Credential, error) {
	key, cert, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("decode pkcs12: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("decode pkcs12: unsupported private key type %T", key)
	}
	return newCredential(signer, append([]*x509.Certificate{cert}, caCerts...))
}

// LoadPKCS12 reads and decodes a PKCS#12 file.
func LoadPKCS12(path, password string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pkcs12: %w", err)
	}
	return ParsePKCS12(data, password)
}

// ParsePEMCredential reads certificates and a single private key from PEM
// data, ordering the chain so the certificate for the key comes first.
func ParsePEMCredential(data []byte) (*Credential, error) {
	var certs []*x509.Certificate
	var key crypto.Signer
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch {
		case block.Type == "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse certificate: %w", err)
			}
			certs = append(certs, cert)
		case strings.HasSuffix(block.Type, "PRIVATE KEY"):
			parsed, err := parsePrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			key = parsed
		}
	}
	if key == nil {
		return nil, errors.New("credential: no private key found")
	}
	return newCredential(key, certs)
}

// newCredential puts the certificate for key first; the rest keep their order.
func newCredential(key crypto.Signer, certs []*x509.Certificate) (*Credential, error) {
	if len(certs) == 0 {
		return nil, errors.New("credential: no certificate found")
	}
	leaf := -1
	for i, cert := range certs {
		if publicKeysEqual(cert.PublicKey, key.Public()) {
			leaf = i
			break
		}
	}
	if leaf < 0 {
		return nil, errors.New("credential: no certificate matches the private key")
	}
	chain := []*x509.Certificate{certs[leaf]}
	for i, cert := range certs {
		if i != leaf {
			chain = append(chain, cert)
		}
	}
	return &Credential{Chain: chain, Key: key}, nil
}

// LoadPEMCredential reads certificate and key PEM files. Both may point at
// the same file.
func LoadPEMCredential(certPath, keyPath string) (*Credential, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	if keyPath != "" && keyPath != certPath {
		keyPEM, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		certPEM = append(certPEM, keyPEM...)
	}
	return ParsePEMCredential(certPEM)
}

// Key files in the wild mislabel PKCS#1 and SEC1 keys as "PRIVATE KEY",
// so every encoding is tried.
func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return signer, nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	switch ak := a.(type) {
	case *rsa.PublicKey:
		return ak.Equal(b)
	case *ecdsa.PublicKey:
		return ak.Equal(b)
	}
	return false
}

// CertificateSANs lists every subject alternative name on cert.
func CertificateSANs(cert *x509.Certificate) []string {
	if cert == nil {
		return nil
	}
	sans := make([]string, 0, len(cert.URIs)+len(cert.DNSNames)+len(cert.EmailAddresses))
	for _, u := range cert.URIs {
		sans = append(sans, u.String())
	}
	sans = append(sans, cert.DNSNames...)
	sans = append(sans, cert.EmailAddresses...)
	return sans
}

// ValidateSANInCert reports whether san is one of cert's subject
// alternative names.
func ValidateSANInCert(san string, cert *x509.Certificate) bool {
	if san == "" {
		return false
	}
	for _, candidate := range CertificateSANs(cert) {
		if candidate == san {
			return true
		}
	}
	return false
}

// ParsePrivateKeyPEM reads the first private key block in data.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, errors.New("no private key block found")
		}
		if strings.HasSuffix(block.Type, "PRIVATE KEY") {
			return parsePrivateKey(block.Bytes)
		}
	}
}
