package proof

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFileStore(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewLocalFileStore(Config{Dir: dir, BaseURL: "/files/proofs"})
	require.NoError(t, err)

	url, err := fs.Store(context.Background(), "receipt.png", strings.NewReader("png-bytes"))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(url, "/files/proofs/"))
	assert.True(t, strings.HasSuffix(url, "-receipt.png"))

	stored := strings.TrimPrefix(url, "/files/proofs/")
	data, err := os.ReadFile(filepath.Join(dir, stored))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
}

func TestLocalFileStoreStripsPathComponents(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewLocalFileStore(Config{Dir: dir, BaseURL: "/files/proofs"})
	require.NoError(t, err)

	url, err := fs.Store(context.Background(), "../../etc/passwd", strings.NewReader("x"))
	require.NoError(t, err)

	// Only the base name survives into the stored path.
	assert.True(t, strings.HasSuffix(url, "-passwd"))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestLocalFileStoreUniqueNames(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewLocalFileStore(Config{Dir: dir, BaseURL: "/files/proofs"})
	require.NoError(t, err)

	first, err := fs.Store(context.Background(), "receipt.png", strings.NewReader("a"))
	require.NoError(t, err)
	second, err := fs.Store(context.Background(), "receipt.png", strings.NewReader("b"))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}
