// files.go: Envelope encryption of whole files on any absfs.FileSystem.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package envelope

import (
	"os"

	"github.com/absfs/absfs"
	"github.com/sirupsen/logrus"
)

// EnvelopeFileMode is the permission of files created by EncryptFile and
// DecryptFile.
const EnvelopeFileMode os.FileMode = 0o600

// EncryptFile seals the file src into a new file dst on fs. dst is truncated
// if it exists and removed again if encryption fails.
//
// Example:
//
//	fs, _ := memfs.NewFS()
//	n, err := engine.EncryptFile(fs, "report.pdf", "report.pdf.env", envelope.Password(pw), nil)
func (e *Engine) EncryptFile(fs absfs.FileSystem, src, dst string, keys Keys, metadata []byte) (int64, error) {
	return e.transformFile(fs, "encrypt", src, dst, func(out absfs.File, in absfs.File) (int64, error) {
		return e.EncryptStream(out, in, keys, metadata)
	})
}

// DecryptFile opens the envelope file src into a new file dst on fs. The
// envelope is authenticated before dst receives any plaintext, and dst is
// removed if decryption fails.
func (e *Engine) DecryptFile(fs absfs.FileSystem, src, dst string, keys Keys) (int64, error) {
	return e.transformFile(fs, "decrypt", src, dst, func(out absfs.File, in absfs.File) (int64, error) {
		return e.DecryptStream(out, in, keys)
	})
}

func (e *Engine) transformFile(fs absfs.FileSystem, op, src, dst string, run func(out, in absfs.File) (int64, error)) (n int64, err error) {
	fields := logrus.Fields{"op": op, "src": src, "dst": dst}
	if fs == nil {
		return 0, invalidParameter(ErrCodeInvalidOptions, "filesystem cannot be nil")
	}
	if src == dst {
		return 0, invalidParameter(ErrCodeInvalidOptions, "source and destination must differ")
	}

	in, err := fs.Open(src)
	if err != nil {
		return 0, wrapError(ErrIO, err, ErrCodeStreamIO, "failed to open "+src)
	}
	defer in.Close()

	out, err := fs.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, EnvelopeFileMode)
	if err != nil {
		return 0, wrapError(ErrIO, err, ErrCodeStreamIO, "failed to create "+dst)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = wrapError(ErrIO, cerr, ErrCodeStreamIO, "failed to close "+dst)
		}
		if err != nil {
			_ = fs.Remove(dst)
			e.log.WithFields(fields).WithError(err).Warn("file transform failed")
		}
	}()

	n, err = run(out, in)
	if err != nil {
		return n, err
	}
	e.log.WithFields(fields).WithField("bytes", n).Debug("file transformed")
	return n, nil
}

// ReadFileHeader parses the header of the envelope file name without any key
// work.
func ReadFileHeader(fs absfs.FileSystem, name string) (*Header, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, wrapError(ErrIO, err, ErrCodeStreamIO, "failed to open "+name)
	}
	defer f.Close()
	return ParseHeader(f)
}
