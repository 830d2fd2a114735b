// Package proof models identity proof verification as an opaque capability.
//
// The dispatcher never inspects a proof. It hands (claim, context, proof) to
// a Verifier and treats anything other than (true, nil) as a handler failure.
package proof

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Verifier checks a proof for a claim in a context.
type Verifier interface {
	Verify(claim, context, proof string) (bool, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(claim, context, proof string) (bool, error)

// Verify calls f.
func (f VerifierFunc) Verify(claim, context, proof string) (bool, error) {
	return f(claim, context, proof)
}

// ErrMalformed is returned when a proof is not in the expected encoding.
var ErrMalformed = errors.New("malformed proof")

// DigestVerifier is a stand-in for a real proof system: a proof is valid when
// it is the hex HMAC-SHA256 of claim||0x00||context under Key or one of the
// Retired keys. It has the same call shape as a zero-knowledge verifier and
// is deterministic, so runs that use it replay. Keys that signed proofs in
// the ledger stay in Retired after a rotation.
type DigestVerifier struct {
	Key     []byte
	Retired [][]byte
}

// Prove returns the proof DigestVerifier accepts for claim in context under
// the current Key.
func (d DigestVerifier) Prove(claim, context string) string {
	return hex.EncodeToString(digest(d.Key, claim, context))
}

// Verify implements Verifier.
func (d DigestVerifier) Verify(claim, context, proof string) (bool, error) {
	got, err := hex.DecodeString(proof)
	if err != nil || len(got) != sha256.Size {
		return false, ErrMalformed
	}
	for _, key := range append([][]byte{d.Key}, d.Retired...) {
		if hmac.Equal(got, digest(key, claim, context)) {
			return true, nil
		}
	}
	return false, nil
}

func digest(key []byte, claim, context string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(claim))
	mac.Write([]byte{0x00})
	mac.Write([]byte(context))
	return mac.Sum(nil)
}
