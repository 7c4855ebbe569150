package signatures

import (
	"crypto/ed25519"
	"testing"

	schnorrkel "github.com/ChainSafe/go-schnorrkel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForScheme(t *testing.T) {
	for _, scheme := range []string{"sr25519", "ed25519"} {
		v, err := ForScheme(scheme)
		require.NoError(t, err)
		assert.Equal(t, scheme, v.Scheme())
	}
	_, err := ForScheme("secp256k1")
	require.Error(t, err)
}

func TestEd25519Verifier(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	msg := []byte("s3:validator:access:1700000000")
	sig := ed25519.Sign(priv, msg)

	v, err := ForScheme("ed25519")
	require.NoError(t, err)

	assert.True(t, v.Verify(pub, msg, sig))
	assert.False(t, v.Verify(pub, []byte("other message"), sig))

	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	assert.False(t, v.Verify(otherPub, msg, sig))

	// Malformed inputs verify false, never panic.
	assert.False(t, v.Verify(pub[:16], msg, sig))
	assert.False(t, v.Verify(pub, msg, sig[:32]))
	assert.False(t, v.Verify(nil, msg, nil))
}

func TestSr25519Verifier(t *testing.T) {
	msk, err := schnorrkel.GenerateMiniSecretKey()
	require.NoError(t, err)
	sk := msk.ExpandEd25519()
	pubKey := msk.Public()

	msg := []byte("zipcode:assignment:current:1700000000")
	sig, err := sk.Sign(schnorrkel.NewSigningContext(signingContext, msg))
	require.NoError(t, err)

	pubBytes := pubKey.Encode()
	sigBytes := sig.Encode()

	v, err := ForScheme("sr25519")
	require.NoError(t, err)

	assert.True(t, v.Verify(pubBytes[:], msg, sigBytes[:]))
	assert.False(t, v.Verify(pubBytes[:], []byte("tampered"), sigBytes[:]))

	otherMsk, err := schnorrkel.GenerateMiniSecretKey()
	require.NoError(t, err)
	otherPub := otherMsk.Public().Encode()
	assert.False(t, v.Verify(otherPub[:], msg, sigBytes[:]))

	assert.False(t, v.Verify(pubBytes[:31], msg, sigBytes[:]))
	assert.False(t, v.Verify(pubBytes[:], msg, sigBytes[:63]))
}
