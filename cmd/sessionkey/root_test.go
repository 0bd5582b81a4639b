package main

import (
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOwnerKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	encoded := hexutil.Encode(crypto.FromECDSA(key))

	t.Setenv(OwnerKeyEnv, encoded)
	got, err := ownerKey()
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(got.PublicKey))

	t.Setenv(OwnerKeyEnv, "")
	_, err = ownerKey()
	assert.ErrorContains(t, err, "is not set")

	t.Setenv(OwnerKeyEnv, "0xzz")
	_, err = ownerKey()
	assert.Error(t, err)
}
