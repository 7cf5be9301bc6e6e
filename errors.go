// errors.go: Error taxonomy for envelope construction, parsing and verification.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package envelope

import (
	"errors"
	"fmt"

	goerrors "github.com/agilira/go-errors"
)

// Public standard errors. Every error returned by this package wraps exactly
// one of them, so callers can branch with errors.Is().
var (
	// ErrInvalidParameter is returned for bad options or arguments: short salts,
	// non-positive iteration counts, unsupported algorithms, missing keys.
	ErrInvalidParameter = errors.New("envelope: invalid parameter")

	// ErrMalformedEnvelope is returned when a header is truncated or its length
	// fields are out of range.
	ErrMalformedEnvelope = errors.New("envelope: malformed envelope")

	// ErrUnsupportedFormat is returned for unknown version or algorithm codes,
	// and for envelopes produced with options other than the engine's.
	ErrUnsupportedFormat = errors.New("envelope: unsupported format")

	// ErrAuthenticationFailure is returned when the MAC does not verify.
	// No plaintext is produced in that case.
	ErrAuthenticationFailure = errors.New("envelope: authentication failure")

	// ErrUnsupportedSink is returned when a stream operation needs to seek
	// and the supplied stream cannot.
	ErrUnsupportedSink = errors.New("envelope: unsupported sink")

	// ErrDecrypt is returned when the cipher rejects the ciphertext (bad
	// padding or block alignment). Only reachable with SkipSigning.
	ErrDecrypt = errors.New("envelope: decryption error")

	// ErrIO is returned when a caller-supplied stream fails to read, write
	// or seek.
	ErrIO = errors.New("envelope: stream I/O error")
)

// Error codes for rich error handling
const (
	ErrCodeInvalidSalt       = "ENVELOPE_INVALID_SALT"
	ErrCodeInvalidIterations = "ENVELOPE_INVALID_ITERATIONS"
	ErrCodeInvalidAlgorithm  = "ENVELOPE_INVALID_ALGORITHM"
	ErrCodeInvalidKey        = "ENVELOPE_INVALID_KEY"
	ErrCodeInvalidOptions    = "ENVELOPE_INVALID_OPTIONS"
	ErrCodeMissingKey        = "ENVELOPE_MISSING_KEY"
	ErrCodeKeyStreamExceeded = "ENVELOPE_KEYSTREAM_EXCEEDED"
	ErrCodeRandom            = "ENVELOPE_RANDOM"
	ErrCodeKeyWrap           = "ENVELOPE_KEY_WRAP"
	ErrCodeTruncated         = "ENVELOPE_TRUNCATED"
	ErrCodeFieldRange        = "ENVELOPE_FIELD_RANGE"
	ErrCodeVersion           = "ENVELOPE_VERSION"
	ErrCodeAlgorithm         = "ENVELOPE_ALGORITHM"
	ErrCodeOptionsMismatch   = "ENVELOPE_OPTIONS_MISMATCH"
	ErrCodeMACMismatch       = "ENVELOPE_MAC_MISMATCH"
	ErrCodeMACMissing        = "ENVELOPE_MAC_MISSING"
	ErrCodeNotSeekable       = "ENVELOPE_NOT_SEEKABLE"
	ErrCodeStreamIO          = "ENVELOPE_STREAM_IO"
	ErrCodePadding           = "ENVELOPE_PADDING"
	ErrCodeEncoding          = "ENVELOPE_ENCODING"
)

// newError builds an error that matches sentinel with errors.Is and carries a
// go-errors code.
func newError(sentinel error, code goerrors.ErrorCode, message string) error {
	return fmt.Errorf("%w: %w", sentinel, goerrors.New(code, message))
}

// wrapError is newError with an underlying cause.
func wrapError(sentinel error, cause error, code goerrors.ErrorCode, message string) error {
	return fmt.Errorf("%w: %w", sentinel, goerrors.Wrap(cause, code, message))
}

func invalidParameter(code goerrors.ErrorCode, message string) error {
	return newError(ErrInvalidParameter, code, message)
}

func malformed(code goerrors.ErrorCode, message string) error {
	return newError(ErrMalformedEnvelope, code, message)
}

func unsupported(code goerrors.ErrorCode, message string) error {
	return newError(ErrUnsupportedFormat, code, message)
}
