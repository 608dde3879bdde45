package tlscontext

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"time"
)

// CertificateGenerationOptions controls test/bootstrap certificate
// generation.
type CertificateGenerationOptions struct {
	CommonName   string
	Organization []string
	DNSNames     []string
	URIs         []string
	ValidFor     time.Duration
	IsCA         bool
	IsClientCert bool
	SerialNumber *big.Int
	ParentCert   *x509.Certificate
	ParentKey    interface{}
}

// GenerateCertificate creates a certificate (self-signed unless a parent is
// given) and returns the PEM-encoded certificate, key, and the parsed pair
// for further signing.
func GenerateCertificate(opts CertificateGenerationOptions) (certPEM, keyPEM []byte, cert *x509.Certificate, key *ecdsa.PrivateKey, err error) {
	if opts.ValidFor == 0 {
		opts.ValidFor = 365 * 24 * time.Hour
	}
	if opts.SerialNumber == nil {
		opts.SerialNumber = big.NewInt(1)
	}
	if opts.CommonName == "" {
		opts.CommonName = "localhost"
	}

	key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	var uris []*url.URL
	for _, raw := range opts.URIs {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("invalid URI SAN %q: %w", raw, err)
		}
		uris = append(uris, u)
	}

	template := x509.Certificate{
		SerialNumber: opts.SerialNumber,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: opts.Organization,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(opts.ValidFor),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		URIs:                  uris,
	}

	if opts.IsCA {
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	} else if opts.IsClientCert {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	parentCert := &template
	var parentKey interface{} = key
	if opts.ParentCert != nil && opts.ParentKey != nil {
		parentCert = opts.ParentCert
		parentKey = opts.ParentKey
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, parentCert, &key.PublicKey, parentKey)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err = x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	return certPEM, keyPEM, cert, key, nil
}

// WriteCertificateFiles writes certificate and key to files, with key
// permissions restricted.
func WriteCertificateFiles(certPEM, keyPEM []byte, certFile, keyFile string) error {
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate file: %w", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// GenerateTestCertificates writes a CA plus a CA-signed server and client
// certificate under baseDir: ca.crt/ca.key, server.crt/server.key,
// client.crt/client.key. The server certificate carries example.com SANs;
// the client certificate carries api.foo.com and a SPIFFE URI.
func GenerateTestCertificates(baseDir string) error {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}

	caPEM, caKeyPEM, caCert, caKey, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName:   "Test CA",
		Organization: []string{"Test Organization"},
		IsCA:         true,
		ValidFor:     10 * 365 * 24 * time.Hour,
		SerialNumber: big.NewInt(1),
	})
	if err != nil {
		return fmt.Errorf("failed to generate CA certificate: %w", err)
	}
	if err := WriteCertificateFiles(caPEM, caKeyPEM, baseDir+"/ca.crt", baseDir+"/ca.key"); err != nil {
		return err
	}

	serverPEM, serverKeyPEM, _, _, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName:   "localhost",
		DNSNames:     []string{"localhost", "example.com", "*.example.com"},
		SerialNumber: big.NewInt(2),
		ParentCert:   caCert,
		ParentKey:    caKey,
	})
	if err != nil {
		return fmt.Errorf("failed to generate server certificate: %w", err)
	}
	if err := WriteCertificateFiles(serverPEM, serverKeyPEM, baseDir+"/server.crt", baseDir+"/server.key"); err != nil {
		return err
	}

	clientPEM, clientKeyPEM, _, _, err := GenerateCertificate(CertificateGenerationOptions{
		CommonName:   "Test Client",
		DNSNames:     []string{"api.foo.com"},
		URIs:         []string{"spiffe://cluster.local/ns/default/sa/client"},
		SerialNumber: big.NewInt(3),
		ParentCert:   caCert,
		ParentKey:    caKey,
		IsClientCert: true,
	})
	if err != nil {
		return fmt.Errorf("failed to generate client certificate: %w", err)
	}
	return WriteCertificateFiles(clientPEM, clientKeyPEM, baseDir+"/client.crt", baseDir+"/client.key")
}
