package config

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field       string
	Value       interface{}
	Reason      string
	Suggestions []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in field '%s': %s", e.Field, e.Reason)
}

func (e *ConfigError) WithSuggestion(suggestion string) *ConfigError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

func NewConfigMissingError(field string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Reason: fmt.Sprintf("required field '%s' is missing", field),
	}
}

func NewConfigValidationError(field string, value interface{}, reason string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// TLSContextConfig holds the settings shared by server and client TLS
// contexts. All file fields are filesystem paths to PEM-encoded material.
type TLSContextConfig struct {
	// CipherSuites lists the permitted TLS 1.2 cipher suites by their
	// standard names, in server preference order. Empty means library
	// defaults.
	CipherSuites []string `yaml:"cipher_suites,omitempty"`
	// ECDHCurves lists the permitted key-exchange curves by name.
	ECDHCurves []string `yaml:"ecdh_curves,omitempty"`

	CACertFile     string `yaml:"ca_cert_file,omitempty"`
	CertChainFile  string `yaml:"cert_chain_file,omitempty"`
	PrivateKeyFile string `yaml:"private_key_file,omitempty"`

	// VerifySubjectAltNames is an ordered list of SAN match patterns, each
	// either a literal DNS/URI string or a "*."-prefixed wildcard. May only
	// be set together with CACertFile.
	VerifySubjectAltNames []string `yaml:"verify_subject_alt_names,omitempty"`
	// VerifyCertificateHash is a SHA-256 digest of the full peer
	// certificate as a hex string, optionally ":"-delimited. May only be
	// set together with CACertFile.
	VerifyCertificateHash string `yaml:"verify_certificate_hash,omitempty"`

	// ALPNProtocols is a comma-separated protocol list, e.g. "h2,http/1.1".
	// Empty disables ALPN.
	ALPNProtocols string `yaml:"alpn_protocols,omitempty"`
}

// ServerTLSConfig configures a listener-side TLS context.
type ServerTLSConfig struct {
	TLSContextConfig `yaml:",inline"`

	// RequireClientCertificate demands a client certificate in addition to
	// verifying it when one is presented.
	RequireClientCertificate bool `yaml:"require_client_certificate,omitempty"`

	// AltALPNProtocols is an alternate protocol list substituted per
	// connection when the ssl.alt_alpn runtime flag samples true.
	AltALPNProtocols string `yaml:"alt_alpn_protocols,omitempty"`

	// SessionTicketKeys is an ordered list of base64-encoded 80-byte key
	// blobs (name[16] || hmac_key[32] || aes_key[32]). Position 0 is the
	// active encryption key; all positions decrypt.
	SessionTicketKeys []string `yaml:"session_ticket_keys,omitempty"`
}

// ClientTLSConfig configures an upstream-side TLS context.
type ClientTLSConfig struct {
	TLSContextConfig `yaml:",inline"`

	// SNI is the server name sent on every connection created from this
	// context.
	SNI string `yaml:"sni,omitempty"`
}

// Validate enforces the structural invariants shared by both roles.
func (c *TLSContextConfig) Validate() error {
	if len(c.VerifySubjectAltNames) > 0 && c.CACertFile == "" {
		return NewConfigValidationError("verify_subject_alt_names", c.VerifySubjectAltNames,
			"SAN verification requires a CA certificate").
			WithSuggestion("Set ca_cert_file alongside verify_subject_alt_names")
	}
	if c.VerifyCertificateHash != "" && c.CACertFile == "" {
		return NewConfigValidationError("verify_certificate_hash", c.VerifyCertificateHash,
			"certificate pinning requires a CA certificate").
			WithSuggestion("Set ca_cert_file alongside verify_certificate_hash")
	}
	if (c.CertChainFile == "") != (c.PrivateKeyFile == "") {
		return NewConfigValidationError("cert_chain_file", c.CertChainFile,
			"cert_chain_file and private_key_file must be set together")
	}
	return nil
}

// Validate checks server-specific fields on top of the shared invariants.
func (c *ServerTLSConfig) Validate() error {
	if err := c.TLSContextConfig.Validate(); err != nil {
		return err
	}
	if c.CertChainFile == "" {
		return NewConfigMissingError("listener.cert_chain_file")
	}
	if c.RequireClientCertificate && c.CACertFile == "" {
		return NewConfigValidationError("require_client_certificate", true,
			"requiring client certificates needs a CA certificate to verify against")
	}
	if _, err := c.DecodedSessionTicketKeys(); err != nil {
		return err
	}
	return nil
}

// Validate checks client-specific fields on top of the shared invariants.
func (c *ClientTLSConfig) Validate() error {
	return c.TLSContextConfig.Validate()
}

// DecodedSessionTicketKeys base64-decodes the configured ticket key blobs.
// Length validation is performed by the ticket key parser, which reports the
// offending index and both lengths.
func (c *ServerTLSConfig) DecodedSessionTicketKeys() ([][]byte, error) {
	if len(c.SessionTicketKeys) == 0 {
		return nil, nil
	}
	keys := make([][]byte, 0, len(c.SessionTicketKeys))
	for i, encoded := range c.SessionTicketKeys {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, NewConfigValidationError(
				fmt.Sprintf("session_ticket_keys[%d]", i), encoded,
				"session ticket key is not valid base64")
		}
		keys = append(keys, raw)
	}
	return keys, nil
}
