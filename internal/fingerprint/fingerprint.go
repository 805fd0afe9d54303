// Package fingerprint implements the zero-knowledge passphrase proof used to
// authenticate session membership (spec §4.2, §9).
//
// The server never sees a passphrase. It stores a Fingerprint on first join
// and, on every later join for the same sessionId, requires a byte-equal
// Fingerprint. Equality is checked in constant time so a mismatching client
// can't learn anything about the stored value from timing.
package fingerprint

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
)

// Fingerprint is the self-encrypted proof-of-passphrase-knowledge pair.
type Fingerprint struct {
	IV   []byte
	Data []byte
}

// Equal reports whether two fingerprints are byte-identical, using a
// constant-time comparison so the server never leaks which byte of a
// guessed passphrase was wrong.
func Equal(a, b Fingerprint) bool {
	ivEqual := subtle.ConstantTimeCompare(a.IV, b.IV) == 1
	dataEqual := subtle.ConstantTimeCompare(a.Data, b.Data) == 1
	return ivEqual && dataEqual
}

// fixedIV is the all-zero 16-byte IV the client construction uses to
// self-encrypt the data half. It is fixed (not random) because the goal is
// a deterministic fingerprint for a given passphrase, not confidentiality:
// the server already treats the result as an opaque token.
var fixedIV = make([]byte, aes.BlockSize)

// Derive computes the fingerprint a compliant client would produce for the
// given passphrase: SHA-256(passphrase) is split into two 16-byte halves;
// the first half (the "encryption half") is used as an AES-128 key to
// encrypt the second half (the "data half") under fixedIV.
//
// The real client is an out-of-scope collaborator (spec §1, §9) — this
// function exists so tests and local tooling can drive real join flows
// without a browser. Production server code never calls it.
func Derive(passphrase string) (Fingerprint, error) {
	sum := sha256.Sum256([]byte(passphrase))
	encHalf, dataHalf := sum[:16], sum[16:]

	block, err := aes.NewCipher(encHalf)
	if err != nil {
		return Fingerprint{}, err
	}

	encrypted := make([]byte, len(dataHalf))
	cipher.NewCBCEncrypter(block, fixedIV).CryptBlocks(encrypted, dataHalf)

	return Fingerprint{IV: append([]byte(nil), fixedIV...), Data: encrypted}, nil
}
