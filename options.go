// options.go: Engine configuration with secure defaults, yaml loading and env overrides.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package envelope

import (
	"crypto/rand"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Default option values.
const (
	DefaultCipher   = CipherAESCBC
	DefaultMAC      = MACHMACSHA256
	DefaultKeySize  = 32
	DefaultSaltSize = MinSaltSize
)

// Options configures an Engine. An Engine copies its Options at construction
// and never changes them afterwards.
//
// If a numeric field is zero, New fills in the default. Example:
//
//	opts := envelope.DefaultOptions()
//	opts.Iterations = 200000
//	opts.MAC = envelope.MACHMACSHA512
//	engine, err := envelope.New(opts)
type Options struct {
	// Cipher is the block or stream cipher used for the payload.
	Cipher CipherAlgorithm `yaml:"cipher"`

	// MAC is the keyed hash used both as PBKDF2 PRF and as envelope MAC.
	MAC MACAlgorithm `yaml:"mac"`

	// KeySize is the symmetric key size in bytes. Must be valid for Cipher.
	KeySize int `yaml:"key_size"`

	// IVSize is the IV (nonce) size in bytes. Zero selects the cipher's
	// natural size; any other value must equal it.
	IVSize int `yaml:"iv_size"`

	// SaltSize is the size in bytes of each of the two PBKDF2 salts.
	SaltSize int `yaml:"salt_size"`

	// Iterations is the PBKDF2 iteration count.
	Iterations int `yaml:"iterations"`

	// SkipSigning disables the envelope MAC. Envelopes are then malleable.
	SkipSigning bool `yaml:"skip_signing"`

	// MinimumPasswordLength rejects shorter passwords. Zero disables the check.
	MinimumPasswordLength int `yaml:"minimum_password_length"`

	// SymmetricKey, if set, is used instead of deriving a key from a password.
	SymmetricKey []byte `yaml:"-"`

	// SigningKey, if set, is used instead of deriving a signing key.
	SigningKey []byte `yaml:"-"`

	// Logger receives debug events and MAC failures. Key bytes are never logged.
	Logger logrus.FieldLogger `yaml:"-"`

	// Random is the source of salts and IVs. Defaults to crypto/rand.Reader.
	Random io.Reader `yaml:"-"`
}

// DefaultOptions returns AES-256-CBC with HMAC-SHA256, 8-byte salts and
// DefaultIterations PBKDF2 rounds.
func DefaultOptions() *Options {
	return &Options{
		Cipher:     DefaultCipher,
		MAC:        DefaultMAC,
		KeySize:    DefaultKeySize,
		SaltSize:   DefaultSaltSize,
		Iterations: DefaultIterations,
	}
}

// withDefaults returns a copy of o with zero fields replaced by defaults.
func (o *Options) withDefaults() *Options {
	c := *o
	if c.Cipher == 0 {
		c.Cipher = DefaultCipher
	}
	if c.MAC == 0 {
		c.MAC = DefaultMAC
	}
	if c.KeySize == 0 {
		if suite, ok := lookupCipher(c.Cipher); ok {
			c.KeySize = suite.DefaultKeySize()
		} else {
			c.KeySize = DefaultKeySize
		}
	}
	if c.IVSize == 0 {
		if suite, ok := lookupCipher(c.Cipher); ok {
			c.IVSize = suite.IVSize()
		}
	}
	if c.SaltSize == 0 {
		c.SaltSize = DefaultSaltSize
	}
	if c.Iterations == 0 {
		c.Iterations = DefaultIterations
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
	if c.Random == nil {
		c.Random = rand.Reader
	}
	c.SymmetricKey = cloneBytes(o.SymmetricKey)
	c.SigningKey = cloneBytes(o.SigningKey)
	return &c
}

// Validate checks the options. Zero-valued numeric fields are accepted since
// New replaces them with defaults.
func (o *Options) Validate() error {
	if o == nil {
		return invalidParameter(ErrCodeInvalidOptions, "options cannot be nil")
	}
	c := o.withDefaults()

	suite, ok := lookupCipher(c.Cipher)
	if !ok {
		return invalidParameter(ErrCodeInvalidAlgorithm, fmt.Sprintf("unsupported cipher algorithm %d", int16(c.Cipher)))
	}
	if _, ok := lookupMAC(c.MAC); !ok {
		return invalidParameter(ErrCodeInvalidAlgorithm, fmt.Sprintf("unsupported MAC algorithm %d", int16(c.MAC)))
	}
	if !suite.ValidKeySize(c.KeySize) {
		return invalidParameter(ErrCodeInvalidKey, fmt.Sprintf("key size %d is not valid for %s", c.KeySize, suite.Name()))
	}
	if c.IVSize != suite.IVSize() {
		return invalidParameter(ErrCodeInvalidOptions, fmt.Sprintf("IV size must be %d for %s, got %d", suite.IVSize(), suite.Name(), c.IVSize))
	}
	if c.SaltSize < MinSaltSize || c.SaltSize > math.MaxInt16 {
		return invalidParameter(ErrCodeInvalidSalt, fmt.Sprintf("salt size must be in [%d, %d], got %d", MinSaltSize, math.MaxInt16, c.SaltSize))
	}
	if err := validateIterations(c.Iterations); err != nil {
		return err
	}
	if c.MinimumPasswordLength < 0 {
		return invalidParameter(ErrCodeInvalidOptions, "minimum password length must not be negative")
	}
	if c.SymmetricKey != nil && !suite.ValidKeySize(len(c.SymmetricKey)) {
		return invalidParameter(ErrCodeInvalidKey, fmt.Sprintf("symmetric key of %d bytes is not valid for %s", len(c.SymmetricKey), suite.Name()))
	}
	if c.SigningKey != nil && len(c.SigningKey) == 0 {
		return invalidParameter(ErrCodeInvalidKey, "signing key cannot be empty")
	}
	return nil
}

// LoadOptions reads options from a yaml file, then applies ENVELOPE_*
// environment overrides and validates the result. A missing file yields the
// defaults.
func LoadOptions(path string) (*Options, error) {
	opts := DefaultOptions()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, wrapError(ErrInvalidParameter, err, ErrCodeInvalidOptions, "failed to read options file")
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, opts); err != nil {
				return nil, wrapError(ErrInvalidParameter, err, ErrCodeInvalidOptions, "failed to parse options file")
			}
		}
	}
	if err := loadOptionsFromEnv(opts); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// ParseOptions decodes yaml options over the defaults and validates them.
func ParseOptions(data []byte) (*Options, error) {
	opts := DefaultOptions()
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, wrapError(ErrInvalidParameter, err, ErrCodeInvalidOptions, "failed to parse options")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// loadOptionsFromEnv applies environment variable overrides.
func loadOptionsFromEnv(o *Options) error {
	if v := os.Getenv("ENVELOPE_CIPHER"); v != "" {
		alg, err := ParseCipherAlgorithm(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		o.Cipher = alg
	}
	if v := os.Getenv("ENVELOPE_MAC"); v != "" {
		alg, err := ParseMACAlgorithm(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		o.MAC = alg
	}
	ints := []struct {
		name   string
		target *int
	}{
		{"ENVELOPE_KEY_SIZE", &o.KeySize},
		{"ENVELOPE_SALT_SIZE", &o.SaltSize},
		{"ENVELOPE_ITERATIONS", &o.Iterations},
		{"ENVELOPE_MINIMUM_PASSWORD_LENGTH", &o.MinimumPasswordLength},
	}
	for _, e := range ints {
		v := os.Getenv(e.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return wrapError(ErrInvalidParameter, err, ErrCodeInvalidOptions, fmt.Sprintf("invalid %s", e.name))
		}
		*e.target = n
	}
	if v := os.Getenv("ENVELOPE_SKIP_SIGNING"); v != "" {
		o.SkipSigning = v == "true" || v == "1"
	}
	return nil
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
