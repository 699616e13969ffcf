// Package cipher wraps age passphrase encryption for backup payloads.
package cipher

import (
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
)

var ErrEmptyPassphrase = errors.New("cipher: empty passphrase")

// Encrypt returns a writer that encrypts everything written to it into
// dst. Close must be called to flush the final chunk.
func Encrypt(dst io.Writer, passphrase string) (io.WriteCloser, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("Encrypt: %w", err)
	}
	w, err := age.Encrypt(dst, recipient)
	if err != nil {
		return nil, fmt.Errorf("Encrypt: %w", err)
	}
	return w, nil
}

// Decrypt returns a reader yielding the plaintext of src.
func Decrypt(src io.Reader, passphrase string) (io.Reader, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("Decrypt: %w", err)
	}
	r, err := age.Decrypt(src, identity)
	if err != nil {
		return nil, fmt.Errorf("Decrypt: %w", err)
	}
	return r, nil
}
