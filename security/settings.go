// Package security describes the encryption settings applied when a page
// collection is saved. Encryption itself is performed by the document
// service; this package only models the reversible settings snapshot.
package security

import (
	"errors"
	"fmt"
)

type Algorithm string

const (
	None    Algorithm = ""
	RC4_40  Algorithm = "RC4-40"
	RC4_128 Algorithm = "RC4-128"
	AES_128 Algorithm = "AES-128"
	AES_256 Algorithm = "AES-256"
)

var ErrInvalidSettings = errors.New("invalid security settings")

type Permissions struct{ Print, Modify, Copy, ModifyAnnotations, FillForms, ExtractAccessible, Assemble, PrintHighQuality bool }

// AllPermissions grants every operation.
func AllPermissions() Permissions {
	return Permissions{Print: true, Modify: true, Copy: true, ModifyAnnotations: true, FillForms: true, ExtractAccessible: true, Assemble: true, PrintHighQuality: true}
}

// Settings is the encryption configuration of a document. The zero value
// means "not encrypted".
type Settings struct {
	Algorithm       Algorithm
	UserPassword    string
	OwnerPassword   string
	Permissions     Permissions
	EncryptMetadata bool
}

func (s Settings) Encrypted() bool { return s.Algorithm != None }

// Validate checks that the settings can be applied by a writer.
func (s Settings) Validate() error {
	switch s.Algorithm {
	case None:
		return nil
	case RC4_40, RC4_128, AES_128, AES_256:
	default:
		return fmt.Errorf("algorithm %q: %w", s.Algorithm, ErrInvalidSettings)
	}
	if s.UserPassword == "" && s.OwnerPassword == "" {
		return fmt.Errorf("%s without password: %w", s.Algorithm, ErrInvalidSettings)
	}
	if s.Algorithm == RC4_40 && !s.EncryptMetadata {
		return fmt.Errorf("RC4-40 always encrypts metadata: %w", ErrInvalidSettings)
	}
	return nil
}

// String describes the settings without revealing passwords.
func (s Settings) String() string {
	if !s.Encrypted() {
		return "unencrypted"
	}
	return fmt.Sprintf("%s user=%s owner=%s", s.Algorithm, mask(s.UserPassword), mask(s.OwnerPassword))
}

func mask(p string) string {
	if p == "" {
		return "none"
	}
	return "set"
}
