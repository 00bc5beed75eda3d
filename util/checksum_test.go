package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSHA1String(t *testing.T) {
	require.Equal(t, "da39a3ee5e6b4b0d3255bfef95601890afd80709", SHA1String(nil))
	require.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", SHA1String([]byte("abc")))
}
