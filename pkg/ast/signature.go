package ast

import "golang.org/x/crypto/sha3"

// SignatureHash returns the 4-byte selector for f: the first four bytes of
// the Keccak-256 hash of its canonical textual signature.
func SignatureHash(f *FunctionDefinition) [4]byte {
	return HashSelector(f.CanonicalSignature())
}

// HashSelector hashes an arbitrary canonical signature string directly,
// useful for building call data in tests without a FunctionDefinition.
func HashSelector(signature string) [4]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	sum := h.Sum(nil)
	var out [4]byte
	copy(out[:], sum[:4])
	return out
}
