package canonical

import (
	"crypto/ed25519"
	"encoding/hex"
)

// Sign signs the canonical form of a payload with an ed25519 private key and
// returns the signature hex-encoded.
func Sign(p Payload, priv ed25519.PrivateKey) (string, error) {
	data, err := Canonicalize(p)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ed25519.Sign(priv, data)), nil
}

// Verify checks a signature against the canonical form of a payload. It
// returns false for any malformed input rather than erroring: verification
// runs against untrusted remote blocks, and a garbage signature is just an
// invalid one.
func Verify(p Payload, sigHex, pubHex string) bool {
	data, err := Canonicalize(p)
	if err != nil {
		return false
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}

	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}

	return ed25519.Verify(ed25519.PublicKey(pub), data, sig)
}
