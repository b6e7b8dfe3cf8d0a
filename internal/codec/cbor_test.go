package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string            `cbor:"1,keyasint"`
	Count uint32            `cbor:"2,keyasint"`
	Keys  map[string][]byte `cbor:"3,keyasint,omitempty"`
}

func TestDeterministic(t *testing.T) {
	require := require.New(t)

	v := sample{Name: "a", Count: 3, Keys: map[string][]byte{"z": {1}, "a": {2}, "m": {3}}}
	first, err := Marshal(v)
	require.Nil(err)
	for i := 0; i < 10; i++ {
		again, err := Marshal(v)
		require.Nil(err)
		require.Equal(first, again)
	}

	var back sample
	require.Nil(Unmarshal(first, &back))
	require.Equal(v, back)
}
