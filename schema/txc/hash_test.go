package txc

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash(t *testing.T) {
	got, err := Hash(strings.NewReader("abc"))
	require.NoError(t, err)
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", got)

	got, err = Hash(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "da39a3ee5e6b4b0d3255bfef95601890afd80709", got)
}

func TestHash_SpansChunks(t *testing.T) {
	big := bytes.Repeat([]byte("a"), 3*hashChunkSize+17)
	whole, err := Hash(bytes.NewReader(big))
	require.NoError(t, err)
	again, err := Hash(bytes.NewReader(append([]byte(nil), big...)))
	require.NoError(t, err)
	assert.Equal(t, whole, again)
	assert.Len(t, whole, 40)
}
