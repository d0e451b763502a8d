package cryptoops

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	msg := []byte("move-token payload")
	sig := Sign(priv, msg)

	require.True(t, Verify(priv.PubKey(), msg, sig))

	otherPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	require.False(t, Verify(otherPriv.PubKey(), msg, sig))

	tampered := msg
	tampered = append(tampered, 'x')
	require.False(t, Verify(priv.PubKey(), tampered, sig))
}

func TestHashDeterministic(t *testing.T) {
	a := Hash([]byte("a"), []byte("b"))
	b := Hash([]byte("a"), []byte("b"))
	require.Equal(t, a, b)

	c := Hash([]byte("ab"))
	require.NotEqual(t, a, c)
}

func TestKDFSlowButStable(t *testing.T) {
	preimage := Random(32)
	hashed, err := KDF(preimage, bcryptMinCost)
	require.NoError(t, err)
	require.NotEmpty(t, hashed)
}

const bcryptMinCost = 4
