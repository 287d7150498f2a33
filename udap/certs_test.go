package udap_test

import (
	"crypto/x509"
	"testing"

	"software.sslmate.com/src/go-pkcs12"

	"udapgw/udap"
	"udapgw/udap/udaptest"
)

func TestParsePEMCredentialOrdersLeafFirst(t *testing.T) {
	root := udaptest.NewCA(t)
	cred := root.Intermediate(t).Issue(t, clientSAN)

	// Put the intermediate before the leaf to mimic unordered bundles.
	reordered := &udap.Credential{Chain: []*x509.Certificate{cred.Chain[1], cred.Chain[0]}, Key: cred.Key}
	parsed, err := udap.ParsePEMCredential(udaptest.CredentialPEM(t, reordered))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !udap.ValidateSANInCert(clientSAN, parsed.Leaf()) {
		t.Fatalf("leaf is not the member certificate: %v", udap.CertificateSANs(parsed.Leaf()))
	}
	if len(parsed.Chain) != 2 {
		t.Fatalf("chain length = %d", len(parsed.Chain))
	}
}

func TestParseTrustAnchorPEMRejectsEmpty(t *testing.T) {
	if _, err := udap.ParseTrustAnchorPEM([]byte("not pem")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidateSANInCert(t *testing.T) {
	cred := udaptest.NewCA(t).Issue(t, "gw.example.org")
	if !udap.ValidateSANInCert("gw.example.org", cred.Leaf()) {
		t.Fatalf("dns san not found")
	}
	if udap.ValidateSANInCert("", cred.Leaf()) || udap.ValidateSANInCert("other.example.org", cred.Leaf()) {
		t.Fatalf("unexpected san match")
	}
}

func TestParsePKCS12ModernBundle(t *testing.T) {
	cred := udaptest.NewCA(t).Intermediate(t).Issue(t, clientSAN)
	bundle, err := pkcs12.Modern.Encode(cred.Key, cred.Leaf(), cred.Chain[1:], "changeit")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	parsed, err := udap.ParsePKCS12(bundle, "changeit")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !udap.ValidateSANInCert(clientSAN, parsed.Leaf()) {
		t.Fatalf("leaf is not the member certificate: %v", udap.CertificateSANs(parsed.Leaf()))
	}
	if len(parsed.Chain) != 2 {
		t.Fatalf("chain length = %d", len(parsed.Chain))
	}
	if _, err := udap.ParsePKCS12(bundle, "wrong"); err == nil {
		t.Fatalf("expected error for wrong password")
	}
}

func TestParsePKCS12LegacyBundle(t *testing.T) {
	cred := udaptest.NewCA(t).Issue(t, clientSAN)
	bundle, err := pkcs12.LegacyDES.Encode(cred.Key, cred.Leaf(), nil, "changeit")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	parsed, err := udap.ParsePKCS12(bundle, "changeit")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Leaf().Equal(cred.Leaf()) {
		t.Fatalf("leaf mismatch")
	}
}
