package tlscontext

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"
)

// Certificate is an immutable parsed X.509 record. All derived fields are
// extracted eagerly at load time, so no component needs to hold the parsed
// library handle beyond construction.
type Certificate struct {
	// Path is the file the certificate was loaded from.
	Path string
	// DNSNames and URIs are the typed subject-alternative-name entries.
	DNSNames []string
	URIs     []string
	// SerialNumber is the hex representation of the ASN.1 serial integer.
	SerialNumber string
	// NotAfter is the expiry timestamp.
	NotAfter time.Time
	// Raw is the full DER encoding, retained for digest computation.
	Raw []byte
	// Digest is the SHA-256 of Raw.
	Digest [sha256.Size]byte

	leaf *x509.Certificate
}

// LoadCertificate reads a PEM file and parses its first certificate block.
func LoadCertificate(path string) (*Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CertLoadError{Path: path, Cause: err}
	}
	return parseCertificatePEM(path, data)
}

func parseCertificatePEM(path string, data []byte) (*Certificate, error) {
	var block *pem.Block
	rest := data
	for {
		block, rest = pem.Decode(rest)
		if block == nil {
			return nil, &CertLoadError{Path: path, Cause: errors.New("no certificate PEM block found")}
		}
		if block.Type == "CERTIFICATE" {
			break
		}
	}

	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, &CertLoadError{Path: path, Cause: err}
	}

	uris := make([]string, 0, len(leaf.URIs))
	for _, u := range leaf.URIs {
		uris = append(uris, u.String())
	}

	return &Certificate{
		Path:         path,
		DNSNames:     append([]string(nil), leaf.DNSNames...),
		URIs:         uris,
		SerialNumber: strings.ToUpper(leaf.SerialNumber.Text(16)),
		NotAfter:     leaf.NotAfter,
		Raw:          leaf.Raw,
		Digest:       sha256.Sum256(leaf.Raw),
		leaf:         leaf,
	}, nil
}

// LoadCertificatePool reads a PEM bundle into a cert pool for delegated
// chain validation.
func LoadCertificatePool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CertLoadError{Path: path, Cause: err}
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, &CertLoadError{Path: path, Cause: errors.New("no certificates parsed from PEM bundle")}
	}
	return pool, nil
}

// X509 exposes the parsed certificate for chain-building at construction
// time. Connection callbacks never touch it.
func (c *Certificate) X509() *x509.Certificate {
	return c.leaf
}

// DaysUntilExpiry returns whole days from now until NotAfter, clamped to 0
// once expired. A nil certificate reports the maximum representable value so
// a min-aggregation over an absent certificate never becomes the limiting
// factor.
func (c *Certificate) DaysUntilExpiry(now time.Time) uint32 {
	if c == nil {
		return math.MaxUint32
	}
	days := int64(c.NotAfter.Sub(now).Hours() / 24)
	if days < 0 {
		return 0
	}
	if days > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(days)
}

// Info renders a human-readable summary used by the inspect surface.
func (c *Certificate) Info(now time.Time) string {
	if c == nil {
		return ""
	}
	return fmt.Sprintf("Certificate Path: %s, Serial Number: %s, Days until Expiration: %d",
		c.Path, c.SerialNumber, c.DaysUntilExpiry(now))
}
