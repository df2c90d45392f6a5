package sha256

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bookmeta/internal/lookup"
)

var _ lookup.Hasher = (*Hasher)(nil)

func TestHasherContentHash(t *testing.T) {
	t.Parallel()

	h := New()
	page := []byte(`<html><head><title>Casper</title></head></html>`)
	got, err := h.Hash(page)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(got, "sha256:"))
	require.Len(t, got, len("sha256:")+64)

	again, err := h.Hash(page)
	require.NoError(t, err)
	require.Equal(t, got, again)

	other, err := h.Hash([]byte(`<html><head><title>Casper (lydbog)</title></head></html>`))
	require.NoError(t, err)
	require.NotEqual(t, got, other)
}

func TestHasherKnownDigest(t *testing.T) {
	t.Parallel()

	got, err := New().Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
}
