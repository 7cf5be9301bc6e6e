// main.go: envelope command line tool.
//
// Usage:
//
//	envelope encrypt -in report.pdf -out report.pdf.env [-metadata text] [-config opts.yaml]
//	envelope decrypt -in report.pdf.env -out report.pdf [-config opts.yaml]
//	envelope inspect -in report.pdf.env
//
// The passphrase is read from ENVELOPE_PASSPHRASE or prompted on the terminal.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/absfs/absfs"
	"github.com/agilira/envelope"
	"github.com/sirupsen/logrus"
)

const version = "1.0.0"

var errUsage = errors.New("usage error")

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type commonFlags struct {
	in       string
	out      string
	config   string
	metadata string
	logLevel string
}

func parseFlags(name string, args []string, stderr io.Writer) (*commonFlags, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	f := &commonFlags{}
	fs.StringVar(&f.in, "in", "", "input file")
	fs.StringVar(&f.out, "out", "", "output file")
	fs.StringVar(&f.config, "config", os.Getenv("ENVELOPE_CONFIG"), "yaml options file")
	fs.StringVar(&f.metadata, "metadata", "", "cleartext metadata stored in the header (encrypt only)")
	fs.StringVar(&f.logLevel, "log-level", "warning", "log level (debug, info, warning, error)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if f.in == "" {
		return nil, fmt.Errorf("%w: -in is required", errUsage)
	}
	return f, nil
}

func newLogger(level string, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using warning")
		lvl = logrus.WarnLevel
	}
	logger.SetLevel(lvl)
	return logger
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		printUsage(stderr)
		return fmt.Errorf("%w: no command specified", errUsage)
	}

	switch args[0] {
	case "encrypt", "decrypt":
		f, err := parseFlags(args[0], args[1:], stderr)
		if err != nil {
			return err
		}
		if f.out == "" {
			return fmt.Errorf("%w: -out is required", errUsage)
		}
		logger := newLogger(f.logLevel, stderr)
		engine, err := newEngine(f.config, logger)
		if err != nil {
			return err
		}
		if args[0] == "encrypt" {
			return encryptFile(engine, newOSFileSystem(), f, logger)
		}
		return decryptFile(engine, newOSFileSystem(), f, logger)
	case "inspect":
		f, err := parseFlags(args[0], args[1:], stderr)
		if err != nil {
			return err
		}
		return inspectFile(newOSFileSystem(), f.in, stdout)
	case "version", "-v", "--version":
		fmt.Fprintf(stdout, "envelope %s\n", version)
		return nil
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stderr)
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func newEngine(configPath string, logger *logrus.Logger) (*envelope.Engine, error) {
	opts, err := envelope.LoadOptions(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load options: %w", err)
	}
	opts.Logger = logger
	return envelope.New(opts)
}

func encryptFile(engine *envelope.Engine, fsys absfs.FileSystem, f *commonFlags, logger *logrus.Logger) error {
	password, err := getPassphraseWithConfirm("Enter passphrase: ", "Confirm passphrase: ")
	if err != nil {
		return err
	}
	defer envelope.Zeroize(password)

	var metadata []byte
	if f.metadata != "" {
		metadata = []byte(f.metadata)
	}
	n, err := engine.EncryptFile(fsys, f.in, f.out, envelope.Password(password), metadata)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{"in": f.in, "out": f.out, "bytes": n}).Info("Encrypted")
	return nil
}

func decryptFile(engine *envelope.Engine, fsys absfs.FileSystem, f *commonFlags, logger *logrus.Logger) error {
	password, err := getPassphrase("Enter passphrase: ")
	if err != nil {
		return err
	}
	defer envelope.Zeroize(password)

	n, err := engine.DecryptFile(fsys, f.in, f.out, envelope.Password(password))
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{"in": f.in, "out": f.out, "bytes": n}).Info("Decrypted")
	return nil
}

type headerInfo struct {
	Version          int16  `json:"version"`
	Cipher           string `json:"cipher"`
	MAC              string `json:"mac"`
	Iterations       int32  `json:"iterations"`
	Metadata         string `json:"metadata,omitempty"`
	SymmetricSaltLen int    `json:"symmetric_salt_size"`
	SigningSaltLen   int    `json:"signing_salt_size"`
	IVLen            int    `json:"iv_size"`
	EmbeddedKeyLen   int    `json:"embedded_key_size"`
	Signed           bool   `json:"signed"`
	HeaderLen        int    `json:"header_size"`
}

func inspectFile(fsys absfs.FileSystem, path string, stdout io.Writer) error {
	h, err := envelope.ReadFileHeader(fsys, path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(headerInfo{
		Version:          h.Version,
		Cipher:           h.Cipher.String(),
		MAC:              h.MAC.String(),
		Iterations:       h.Iterations,
		Metadata:         string(h.Metadata),
		SymmetricSaltLen: len(h.SymmetricSalt),
		SigningSaltLen:   len(h.SigningSalt),
		IVLen:            len(h.IV),
		EmbeddedKeyLen:   len(h.SymmetricKey),
		Signed:           h.Signed(),
		HeaderLen:        h.Len(),
	})
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `envelope %s - password-based authenticated file encryption

Usage:
  envelope encrypt -in FILE -out FILE [-metadata TEXT] [-config FILE] [-log-level LEVEL]
  envelope decrypt -in FILE -out FILE [-config FILE] [-log-level LEVEL]
  envelope inspect -in FILE
  envelope version

The passphrase is read from %s, or prompted on the terminal.
Options are read from -config (or ENVELOPE_CONFIG) and ENVELOPE_* variables.
`, version, passphraseEnvVar)
}
