package codec

import (
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/sigil/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestNewSealedCodec_Secret(t *testing.T) {
	tests := []struct {
		name    string
		secret  []byte
		wantErr bool
	}{
		{"missing", nil, true},
		{"too short", []byte("short-secret"), true},
		{"31 bytes", []byte(strings.Repeat("a", 31)), true},
		{"32 bytes", []byte(strings.Repeat("a", 32)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSealedCodec(tt.secret, 0)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrConfiguration)
			assert.Equal(t, core.KindConfiguration, core.KindOf(err))
		})
	}
}

func TestSealedCodec_RoundTrip(t *testing.T) {
	c, err := NewSealedCodec(testSecret, 0)
	require.NoError(t, err)

	addr := common.HexToAddress("0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045")
	exp := time.Date(2030, 1, 2, 3, 4, 5, 600000000, time.UTC)
	in := &core.AuthSession{
		Nonce:           "abc123",
		IsAuthenticated: true,
		Address:         &addr,
		ChainID:         11124,
		ExpirationTime:  &exp,
	}

	first, err := c.Encode(in)
	require.NoError(t, err)
	second, err := c.Encode(in)
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "each encoding uses a fresh nonce")

	out, err := c.Decode(first)
	require.NoError(t, err)
	assert.Equal(t, in.Nonce, out.Nonce)
	assert.True(t, out.IsAuthenticated)
	assert.Equal(t, addr, *out.Address)
	assert.Equal(t, int64(11124), out.ChainID)
	assert.True(t, exp.Equal(*out.ExpirationTime))
}

func TestSealedCodec_DecodeRejects(t *testing.T) {
	c, err := NewSealedCodec(testSecret, 0)
	require.NoError(t, err)
	other, err := NewSealedCodec([]byte(strings.Repeat("z", 32)), 0)
	require.NoError(t, err)

	valid, err := c.Encode(&core.AuthSession{Nonce: "n"})
	require.NoError(t, err)
	foreign, err := other.Encode(&core.AuthSession{Nonce: "n"})
	require.NoError(t, err)

	tampered := []byte(valid)
	if tampered[10] == 'A' {
		tampered[10] = 'B'
	} else {
		tampered[10] = 'A'
	}

	for name, value := range map[string]string{
		"empty":     "",
		"garbage":   "not base64 !!",
		"short":     "AAAA",
		"tampered":  string(tampered),
		"wrong key": foreign,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decode(value)
			assert.Error(t, err)
		})
	}
}

func TestSealedCodec_Expired(t *testing.T) {
	c, err := NewSealedCodec(testSecret, time.Hour)
	require.NoError(t, err)

	now := time.Now()
	c.now = func() time.Time { return now }
	value, err := c.Encode(&core.AuthSession{Nonce: "n"})
	require.NoError(t, err)

	c.now = func() time.Time { return now.Add(2 * time.Hour) }
	_, err = c.Decode(value)
	assert.Error(t, err)
}

func TestSealedCodec_RejectsInvalidSession(t *testing.T) {
	c, err := NewSealedCodec(testSecret, 0)
	require.NoError(t, err)

	_, err = c.Encode(&core.AuthSession{IsAuthenticated: true})
	assert.Error(t, err)
}
