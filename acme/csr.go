package acme

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
)

// GenerateCSR builds a DER-encoded certificate request for the domain,
// signed with the certificate key.
func GenerateCSR(privateKey crypto.PrivateKey, domain string, san []string) ([]byte, error) {
	template := x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domain},
		DNSNames: san,
	}
	return x509.CreateCertificateRequest(rand.Reader, &template, privateKey)
}
