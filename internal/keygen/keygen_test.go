package keygen_test

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/koopa0/gblink/internal/keygen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeBase32(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"all zero", []byte{0, 0, 0, 0}, "AAAAAA"},
		{"all ones", []byte{0xFF, 0xFF, 0xFF, 0xFF}, "999999"},
		{"repeating groups", []byte{0x08, 0x42, 0x10, 0x84}, "BBBBBB"},
		{"single byte drops trailing bits", []byte{0xFF}, "9"},
		{"empty", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, keygen.EncodeBase32(tt.in))
		})
	}
}

func TestRandom_RoomCode(t *testing.T) {
	g := keygen.New()

	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		code, err := g.RoomCode()
		require.NoError(t, err)
		require.Len(t, code, keygen.RoomCodeLength)

		for _, c := range code {
			assert.True(t, strings.ContainsRune(keygen.RoomCodeAlphabet, c), "unexpected char %q", c)
		}
		seen[code] = struct{}{}
	}

	// 32 位元空間下 200 個碼幾乎不可能大量重複
	assert.Greater(t, len(seen), 190)
}

func TestRandom_Key(t *testing.T) {
	g := keygen.New()

	key, err := g.Key()
	require.NoError(t, err)
	assert.Len(t, key, keygen.KeyLength)
	assert.NotContains(t, key, "=")

	raw, err := base64.RawStdEncoding.DecodeString(key)
	require.NoError(t, err)
	assert.Len(t, raw, 16)
}

func TestRandom_Deterministic(t *testing.T) {
	src := bytes.NewReader(append([]byte{0xFF, 0xFF, 0xFF, 0xFF}, make([]byte, 16)...))
	g := keygen.NewWithReader(src)

	code, err := g.RoomCode()
	require.NoError(t, err)
	assert.Equal(t, "999999", code)

	key, err := g.Key()
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("A", 22), key)

	// 亂數來源耗盡
	_, err = g.Key()
	require.Error(t, err)
}
