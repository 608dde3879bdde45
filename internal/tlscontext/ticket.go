package tlscontext

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/polisai/trustplane/pkg/config"
)

// Session ticket key layout: an opaque 80-byte blob,
// name[16] || hmac_key[32] || aes_key[32]. The layout is load-bearing for
// operators rotating key files across deployments, so it is enforced by an
// explicit length check at configuration-parse time.
const (
	ticketKeyNameLen = 16
	ticketHMACKeyLen = 32
	ticketAESKeyLen  = 32
	ticketKeyLen     = ticketKeyNameLen + ticketHMACKeyLen + ticketAESKeyLen

	ticketIVLen  = aes.BlockSize
	ticketMACLen = sha256.Size
)

// SessionTicketKey is one parsed ticket key. Immutable after construction.
type SessionTicketKey struct {
	Name    [ticketKeyNameLen]byte
	HMACKey [ticketHMACKeyLen]byte
	AESKey  [ticketAESKeyLen]byte
}

// ParseSessionTicketKeys validates and splits raw 80-byte key blobs. List
// order defines precedence: position 0 is the sole encryption key, all
// positions decrypt.
func ParseSessionTicketKeys(blobs [][]byte) ([]SessionTicketKey, error) {
	if len(blobs) == 0 {
		return nil, nil
	}
	keys := make([]SessionTicketKey, len(blobs))
	for i, blob := range blobs {
		if len(blob) != ticketKeyLen {
			return nil, config.NewConfigValidationError(
				fmt.Sprintf("session_ticket_keys[%d]", i), len(blob),
				fmt.Sprintf("incorrect TLS session ticket key length: index %d, length %d, expected length %d",
					i, len(blob), ticketKeyLen))
		}
		key := &keys[i]
		copy(key.Name[:], blob[:ticketKeyNameLen])
		copy(key.HMACKey[:], blob[ticketKeyNameLen:ticketKeyNameLen+ticketHMACKeyLen])
		copy(key.AESKey[:], blob[ticketKeyNameLen+ticketHMACKeyLen:])
	}
	return keys, nil
}

// TicketOutcome is the result of a ticket decryption attempt.
type TicketOutcome int

const (
	// TicketRejected means the ticket could not be decrypted; the peer
	// falls back to a full handshake.
	TicketRejected TicketOutcome = iota
	// TicketResumed means the ticket was encrypted under the active key.
	TicketResumed
	// TicketResumedNeedsRotation means the ticket decrypted under an older
	// key; the caller should issue a fresh ticket under the active key on
	// this same connection, so rotation never forces a full handshake.
	TicketResumedNeedsRotation
)

var errNoTicketKeys = errors.New("no session ticket keys configured")

// SessionTicketKeyManager owns the ordered ticket key list and performs
// ticket sealing and opening. Keys are fixed at construction; rotation is
// expressed by building a new context with a reordered list.
//
// Ticket wire format: name[16] || iv[16] || ciphertext || hmac[32], with the
// HMAC-SHA256 computed over name || iv || ciphertext and the ciphertext
// produced by AES-256-CBC.
type SessionTicketKeyManager struct {
	keys []SessionTicketKey
	rand io.Reader
}

// NewSessionTicketKeyManager wraps a parsed key list. An empty list is
// valid: encryption then fails non-fatally and resumption is not offered.
func NewSessionTicketKeyManager(keys []SessionTicketKey) *SessionTicketKeyManager {
	return &SessionTicketKeyManager{keys: keys, rand: rand.Reader}
}

// Ready reports whether at least one key is available.
func (m *SessionTicketKeyManager) Ready() bool {
	return m != nil && len(m.keys) > 0
}

// Encrypt seals plaintext session state under the active key (position 0)
// with a fresh random IV, embedding the key's name so a future Decrypt can
// locate it. Failure is non-fatal to the connection: resumption is simply
// not offered.
func (m *SessionTicketKeyManager) Encrypt(state []byte) ([]byte, error) {
	if !m.Ready() {
		return nil, errNoTicketKeys
	}
	key := &m.keys[0]

	iv := make([]byte, ticketIVLen)
	if _, err := io.ReadFull(m.rand, iv); err != nil {
		return nil, fmt.Errorf("ticket iv generation: %w", err)
	}

	block, err := aes.NewCipher(key.AESKey[:])
	if err != nil {
		return nil, fmt.Errorf("ticket cipher init: %w", err)
	}

	padded := padPKCS7(state, aes.BlockSize)
	ticket := make([]byte, 0, ticketKeyNameLen+ticketIVLen+len(padded)+ticketMACLen)
	ticket = append(ticket, key.Name[:]...)
	ticket = append(ticket, iv...)

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	ticket = append(ticket, ciphertext...)

	mac := hmac.New(sha256.New, key.HMACKey[:])
	mac.Write(ticket)
	return mac.Sum(ticket), nil
}

// Decrypt opens a ticket by scanning the key list for the embedded name.
// The active key yields TicketResumed; any later key yields
// TicketResumedNeedsRotation; an unknown name, bad MAC, or malformed
// padding yields TicketRejected with nil state.
func (m *SessionTicketKeyManager) Decrypt(ticket []byte) ([]byte, TicketOutcome) {
	if !m.Ready() {
		return nil, TicketRejected
	}
	if len(ticket) < ticketKeyNameLen+ticketIVLen+aes.BlockSize+ticketMACLen {
		return nil, TicketRejected
	}

	var name [ticketKeyNameLen]byte
	copy(name[:], ticket[:ticketKeyNameLen])

	for i := range m.keys {
		key := &m.keys[i]
		if key.Name != name {
			continue
		}

		body := ticket[:len(ticket)-ticketMACLen]
		mac := hmac.New(sha256.New, key.HMACKey[:])
		mac.Write(body)
		if !hmac.Equal(mac.Sum(nil), ticket[len(ticket)-ticketMACLen:]) {
			return nil, TicketRejected
		}

		iv := body[ticketKeyNameLen : ticketKeyNameLen+ticketIVLen]
		ciphertext := body[ticketKeyNameLen+ticketIVLen:]
		if len(ciphertext)%aes.BlockSize != 0 {
			return nil, TicketRejected
		}

		block, err := aes.NewCipher(key.AESKey[:])
		if err != nil {
			return nil, TicketRejected
		}
		plaintext := make([]byte, len(ciphertext))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

		state, ok := unpadPKCS7(plaintext, aes.BlockSize)
		if !ok {
			return nil, TicketRejected
		}

		if i == 0 {
			return state, TicketResumed
		}
		return state, TicketResumedNeedsRotation
	}

	return nil, TicketRejected
}

func padPKCS7(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, bool) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, false
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, false
	}
	if !bytes.Equal(data[len(data)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, false
	}
	return data[:len(data)-n], true
}
