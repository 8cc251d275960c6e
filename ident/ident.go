// Package ident implements the URL-safe identifier codec used for externally
// addressable Fluxo records. An identifier is 27 characters long: 26
// characters encode a random 128-bit value (UUIDv4) in a Crockford-style
// base32 alphabet, and the final character is a weighted modulo-32 check
// digit that detects most single-character transcription errors.
package ident

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// Alphabet is Crockford base32 without the ambiguous letters I, L, O and U.
const Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const (
	// EncodedLen is the number of characters encoding the 128-bit value.
	EncodedLen = 26
	// TotalLen is EncodedLen plus the trailing check digit.
	TotalLen = 27
)

var (
	// ErrLength indicates an identifier of the wrong length.
	ErrLength = errors.New("ident: identifier must be 27 characters")
	// ErrAlphabet indicates a character outside the identifier alphabet.
	ErrAlphabet = errors.New("ident: character outside alphabet")
	// ErrCheckDigit indicates a check digit mismatch.
	ErrCheckDigit = errors.New("ident: check digit mismatch")
)

// charValue maps alphabet characters back to their 5-bit values.
var charValue = func() map[byte]int {
	m := make(map[byte]int, len(Alphabet))
	for i := 0; i < len(Alphabet); i++ {
		m[Alphabet[i]] = i
	}
	return m
}()

// New generates a fresh identifier from a random UUIDv4.
func New() string {
	return Encode(uuid.New())
}

// Encode converts a UUID into its 27-character identifier form. The encoding
// is deterministic: the 128-bit value is rendered as a fixed-width base32
// number and the check digit is appended.
func Encode(id uuid.UUID) string {
	n := new(big.Int).SetBytes(id[:])
	base := big.NewInt(int64(len(Alphabet)))
	rem := new(big.Int)

	buf := make([]byte, EncodedLen)
	for i := EncodedLen - 1; i >= 0; i-- {
		n.DivMod(n, base, rem)
		buf[i] = Alphabet[rem.Int64()]
	}

	body := string(buf)
	return body + string(Alphabet[CheckDigit(body)])
}

// Decode validates an identifier and recovers the UUID it encodes. Input is
// normalized to upper case before validation. The length, alphabet membership
// and check digit are all verified.
func Decode(s string) (uuid.UUID, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != TotalLen {
		return uuid.Nil, fmt.Errorf("%w: got %d", ErrLength, len(s))
	}

	for i := 0; i < len(s); i++ {
		if _, ok := charValue[s[i]]; !ok {
			return uuid.Nil, fmt.Errorf("%w: %q at position %d", ErrAlphabet, s[i], i)
		}
	}

	body := s[:EncodedLen]
	want := Alphabet[CheckDigit(body)]
	if s[EncodedLen] != want {
		return uuid.Nil, ErrCheckDigit
	}

	n := new(big.Int)
	base := big.NewInt(int64(len(Alphabet)))
	for i := 0; i < EncodedLen; i++ {
		n.Mul(n, base)
		n.Add(n, big.NewInt(int64(charValue[body[i]])))
	}

	raw := n.Bytes()
	if len(raw) > 16 {
		// 26 base32 digits can express up to 130 bits; anything above the
		// 128-bit range cannot come from a UUID encoding.
		return uuid.Nil, fmt.Errorf("%w: value out of range", ErrAlphabet)
	}

	var out uuid.UUID
	copy(out[16-len(raw):], raw)
	return out, nil
}

// Valid reports whether s is a well-formed identifier with a correct check
// digit.
func Valid(s string) bool {
	_, err := Decode(s)
	return err == nil
}

// CheckDigit computes the weighted modulo-32 check digit for the 26-character
// body: (sum of value(c_i) * (i+1)) mod 32.
func CheckDigit(body string) int {
	sum := 0
	for i := 0; i < len(body); i++ {
		sum += charValue[body[i]] * (i + 1)
	}
	return sum % len(Alphabet)
}
