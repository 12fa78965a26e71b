package metadb

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValueCodec_RoundTrip(t *testing.T) {
	codec, err := NewValueCodec()
	require.NoError(t, err)
	defer codec.Close()

	tests := []struct {
		name    string
		data    []byte
		wantEnc byte
	}{
		{
			name:    "small value stays uncompressed",
			data:    []byte(`{"token":"abc"}`),
			wantEnc: encodingIdentity,
		},
		{
			name:    "empty value",
			data:    []byte{},
			wantEnc: encodingIdentity,
		},
		{
			name:    "large compressible value gets compressed",
			data:    []byte(strings.Repeat(`{"label":"doorbell","language":"en-US"},`, 200)),
			wantEnc: encodingZstd,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := codec.Encode(tt.data)
			require.NoError(t, err)
			require.Equal(t, tt.wantEnc, encoded[0])

			decoded, err := codec.Decode(encoded)
			require.NoError(t, err)
			require.Equal(t, tt.data, decoded)
		})
	}
}

func TestValueCodec_Errors(t *testing.T) {
	codec, err := NewValueCodec()
	require.NoError(t, err)
	defer codec.Close()

	_, err = codec.Encode(make([]byte, MaxValueSize+1))
	require.ErrorIs(t, err, ErrValueTooLarge)

	_, err = codec.Decode(nil)
	require.ErrorIs(t, err, ErrCorrupted)

	_, err = codec.Decode([]byte{0x7f, 'x'})
	require.ErrorIs(t, err, ErrCorrupted)

	_, err = codec.Decode([]byte{encodingZstd, 'n', 'o', 't', 'z', 's', 't', 'd'})
	require.Error(t, err)
}

func TestValueCodec_DecodeDoesNotAlias(t *testing.T) {
	codec, err := NewValueCodec()
	require.NoError(t, err)
	defer codec.Close()

	encoded, err := codec.Encode([]byte("abc"))
	require.NoError(t, err)

	decoded, err := codec.Decode(encoded)
	require.NoError(t, err)
	encoded[1] = 'z'
	require.Equal(t, []byte("abc"), decoded)
}
