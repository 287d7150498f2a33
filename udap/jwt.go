package udap

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	_ "crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingX5C   = errors.New("udap: jwt header has no x5c certificate chain")
	ErrInvalidChain = errors.New("udap: signer certificate does not chain to the trust anchor")
)

// SigningAlgorithms accepted on inbound UDAP JWTs.
var SigningAlgorithms = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// VerifiedJWT is a JWT whose signature was checked against the leaf of its
// x5c chain, and whose chain was verified against a trust anchor. Claims
// have not been validated.
type VerifiedJWT struct {
	Raw         string
	Header      map[string]any
	Claims      jwt.MapClaims
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
}

// VerifyJWT checks signature and certificate chain of a compact JWT.
func VerifyJWT(compact string, anchor *TrustAnchor, now time.Time) (*VerifiedJWT, error) {
	if anchor == nil {
		return nil, errors.New("udap: trust anchor required")
	}
	if now.IsZero() {
		now = time.Now()
	}
	var chain []*x509.Certificate
	parser := jwt.NewParser(
		jwt.WithValidMethods(SigningAlgorithms),
		jwt.WithoutClaimsValidation(),
	)
	claims := jwt.MapClaims{}
	token, err := parser.ParseWithClaims(compact, claims, func(token *jwt.Token) (any, error) {
		certs, err := x5cChain(token.Header)
		if err != nil {
			return nil, err
		}
		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}
		opts := x509.VerifyOptions{
			Roots:         anchor.Pool(),
			Intermediates: intermediates,
			CurrentTime:   now,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}
		if _, err := certs[0].Verify(opts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidChain, err)
		}
		chain = certs
		return certs[0].PublicKey, nil
	})
	if err != nil {
		return nil, err
	}
	return &VerifiedJWT{
		Raw:         compact,
		Header:      token.Header,
		Claims:      claims,
		Certificate: chain[0],
		Chain:       chain,
	}, nil
}

func x5cChain(header map[string]any) ([]*x509.Certificate, error) {
	raw, ok := header["x5c"].([]any)
	if !ok || len(raw) == 0 {
		return nil, ErrMissingX5C
	}
	certs := make([]*x509.Certificate, 0, len(raw))
	for _, entry := range raw {
		encoded, ok := entry.(string)
		if !ok {
			return nil, ErrMissingX5C
		}
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode x5c: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse x5c: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// DefaultAlgorithm picks the signing algorithm for a key.
func DefaultAlgorithm(key crypto.Signer) string {
	if _, ok := key.(*ecdsa.PrivateKey); ok {
		return "ES256"
	}
	return "RS256"
}

// GenerateSignedJWT signs claims with cred and attaches its chain as x5c.
func GenerateSignedJWT(claims jwt.MapClaims, cred *Credential, alg string) (string, error) {
	if cred == nil || cred.Key == nil || len(cred.Chain) == 0 {
		return "", errors.New("udap: signing credential required")
	}
	if alg == "" {
		alg = DefaultAlgorithm(cred.Key)
	}
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return "", fmt.Errorf("udap: unsupported signing algorithm %q", alg)
	}
	x5c := make([]string, 0, len(cred.Chain))
	for _, cert := range cred.Chain {
		x5c = append(x5c, base64.StdEncoding.EncodeToString(cert.Raw))
	}
	token := jwt.NewWithClaims(method, claims)
	token.Header["x5c"] = x5c
	return token.SignedString(cred.Key)
}

// PublicKeyJWKS exposes the signer key of a verified JWT as a key set, the
// shape backend platforms expect for private_key_jwt clients.
func PublicKeyJWKS(verified *VerifiedJWT) (jose.JSONWebKeySet, error) {
	if verified == nil || verified.Certificate == nil {
		return jose.JSONWebKeySet{}, errors.New("udap: verified jwt required")
	}
	alg, _ := verified.Header["alg"].(string)
	key := jose.JSONWebKey{
		Key:       verified.Certificate.PublicKey,
		Algorithm: alg,
		Use:       "sig",
	}
	switch verified.Certificate.PublicKey.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
	default:
		return jose.JSONWebKeySet{}, fmt.Errorf("udap: unsupported public key %T", verified.Certificate.PublicKey)
	}
	thumb, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwk thumbprint: %w", err)
	}
	key.KeyID = base64.RawURLEncoding.EncodeToString(thumb)
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{key}}, nil
}
