package token

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"hash"
	"strings"
)

// Length is the size of a derived token in characters.
const Length = sha256.Size * 2

// ErrInvalidInput is returned when an identity field is blank.
var ErrInvalidInput = errors.New("token: name and register number are required")

// Derive returns the credential token for an enrolled person.
//
// The digest is SHA-256 over a length-prefixed encoding of the UTF-8 fields:
//
//	uint32be(len(name)) || name || uint32be(len(registerNo)) || registerNo
//
// so that ("Al", "ice1") and ("Alice", "1") never hash the same input.
// The result is lower-case hex.
func Derive(name, registerNo string) (string, error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(registerNo) == "" {
		return "", ErrInvalidInput
	}

	h := sha256.New()
	writeField(h, name)
	writeField(h, registerNo)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeField(h hash.Hash, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	_, _ = h.Write(n[:])
	_, _ = h.Write([]byte(s))
}

// Valid reports whether s has the shape of a derived token.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
