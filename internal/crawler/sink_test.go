package crawler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSinkCreatesParentDirectories(t *testing.T) {
	root := t.TempDir()
	sink, err := NewFileSystemSink(filepath.Join(root, "out"), zap.NewNop())
	require.NoError(t, err)

	n, err := sink.Write("guide/deep/page.md", []byte("# hi\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	data, err := os.ReadFile(filepath.Join(root, "out", "guide", "deep", "page.md"))
	require.NoError(t, err)
	assert.Equal(t, "# hi\n", string(data))
}

func TestSinkOverwriteIsIdempotent(t *testing.T) {
	sink, err := NewFileSystemSink(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	_, err = sink.Write("a.md", []byte("one"))
	require.NoError(t, err)
	_, err = sink.Write("a.md", []byte("two"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(sink.Root(), "a.md"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestSinkRequiresRoot(t *testing.T) {
	_, err := NewFileSystemSink("", zap.NewNop())
	assert.Error(t, err)
}
