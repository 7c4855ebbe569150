// Package signatures provides commitment signature verification for the
// schemes used by supported chains. Verification is pure CPU work over the
// raw key, message, and signature bytes; callers bound it with a deadline.
package signatures

import (
	"crypto/ed25519"

	schnorrkel "github.com/ChainSafe/go-schnorrkel"
	"github.com/pkg/errors"
)

// The signing context substrate chains bind sr25519 signatures to.
var signingContext = []byte("substrate")

// Verifier checks a signature over a message for one signature scheme.
type Verifier interface {
	// Scheme names the curve this verifier implements.
	Scheme() string
	// Verify reports whether sig is a valid signature of msg under pub.
	// Malformed inputs verify as false, never as an error.
	Verify(pub, msg, sig []byte) bool
}

// ForScheme returns the verifier for a scheme name.
func ForScheme(scheme string) (Verifier, error) {
	switch scheme {
	case "sr25519":
		return &sr25519Verifier{}, nil
	case "ed25519":
		return &ed25519Verifier{}, nil
	default:
		return nil, errors.Errorf("unsupported signature scheme %q", scheme)
	}
}

type sr25519Verifier struct{}

func (v *sr25519Verifier) Scheme() string {
	return "sr25519"
}

func (v *sr25519Verifier) Verify(pub, msg, sig []byte) bool {
	if len(pub) != 32 || len(sig) != 64 {
		return false
	}
	var pubBytes [32]byte
	copy(pubBytes[:], pub)
	pk, err := schnorrkel.NewPublicKey(pubBytes)
	if err != nil {
		return false
	}
	var sigBytes [64]byte
	copy(sigBytes[:], sig)
	signature := new(schnorrkel.Signature)
	if err := signature.Decode(sigBytes); err != nil {
		return false
	}
	transcript := schnorrkel.NewSigningContext(signingContext, msg)
	ok, err := pk.Verify(signature, transcript)
	return err == nil && ok
}

type ed25519Verifier struct{}

func (v *ed25519Verifier) Scheme() string {
	return "ed25519"
}

func (v *ed25519Verifier) Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}
