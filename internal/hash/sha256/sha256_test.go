package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
}

func TestHasherHashJSON(t *testing.T) {
	t.Parallel()

	h := New()
	digest, data, err := h.HashJSON(map[string]string{"markdown": "# hi"})
	require.NoError(t, err)
	require.JSONEq(t, `{"markdown":"# hi"}`, string(data))

	again, err := h.Hash(data)
	require.NoError(t, err)
	require.Equal(t, digest, again)

	_, _, err = h.HashJSON(func() {})
	require.Error(t, err)
}
