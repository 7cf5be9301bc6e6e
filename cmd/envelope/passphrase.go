// passphrase.go: Passphrase input from the environment or the terminal.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"

	"github.com/agilira/envelope"
	"golang.org/x/term"
)

const passphraseEnvVar = "ENVELOPE_PASSPHRASE"

var errPassphraseMismatch = errors.New("passphrases do not match")

func getPassphrase(prompt string) ([]byte, error) {
	if env := os.Getenv(passphraseEnvVar); env != "" {
		return []byte(env), nil
	}
	return readPassword(prompt)
}

func getPassphraseWithConfirm(prompt, confirmPrompt string) ([]byte, error) {
	if env := os.Getenv(passphraseEnvVar); env != "" {
		return []byte(env), nil
	}
	passphrase, err := readPassword(prompt)
	if err != nil {
		return nil, err
	}
	confirm, err := readPassword(confirmPrompt)
	if err != nil {
		envelope.Zeroize(passphrase)
		return nil, err
	}
	defer envelope.Zeroize(confirm)
	if subtle.ConstantTimeCompare(passphrase, confirm) != 1 {
		envelope.Zeroize(passphrase)
		return nil, errPassphraseMismatch
	}
	return passphrase, nil
}

func readPassword(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd()) // #nosec G115 -- file descriptors fit in int
	if !term.IsTerminal(fd) {
		tty, err := os.Open("/dev/tty")
		if err != nil {
			return nil, fmt.Errorf("cannot read passphrase: stdin is not a terminal, set %s", passphraseEnvVar)
		}
		defer tty.Close()
		fd = int(tty.Fd()) // #nosec G115
	}

	fmt.Fprint(os.Stderr, prompt)
	passphrase, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}
	return passphrase, nil
}
