package tlscontext

import "crypto/sha256"

// sessionContextSeed makes the digest deterministic and non-empty even when
// no CA certificate is configured.
const sessionContextSeed = "trustplane"

// ComputeSessionContextDigest derives the 32-byte binding tag for a server
// context's verification policy. It hashes, in fixed order: the literal
// seed; then, only when a CA certificate is configured, the CA
// certificate's own SHA-256 digest, each SAN pattern in list order, and the
// pinned-hash bytes. The digest scopes session resumption so that two
// differently-configured server contexts in one process can never resume a
// session created under the other's trust policy.
func ComputeSessionContextDigest(caCert *Certificate, sanPatterns []string, pinnedHash []byte) [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte(sessionContextSeed))

	if caCert != nil {
		h.Write(caCert.Digest[:])
		// SAN patterns and the pinned hash can only be set with a CA cert.
		for _, pattern := range sanPatterns {
			h.Write([]byte(pattern))
		}
		h.Write(pinnedHash)
	}

	var digest [sha256.Size]byte
	h.Sum(digest[:0])
	return digest
}
