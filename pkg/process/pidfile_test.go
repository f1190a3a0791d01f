package process

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
)

func TestPIDFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	files := NewPIDFiles(dir, nil)

	assert.Equal(t, filepath.Join(dir, "web-1.pid"), files.Path("web-1"))

	_, err := files.Read("web-1")
	assert.True(t, errors.IsNotFoundError(err))

	require.NoError(t, files.Write("web-1", 4242))
	pid, err := files.Read("web-1")
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	require.NoError(t, files.Remove("web-1"))
	require.NoError(t, files.Remove("web-1"))
	_, err = os.Stat(files.Path("web-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestPIDFiles_InvalidContent(t *testing.T) {
	files := NewPIDFiles(t.TempDir(), nil)
	require.NoError(t, os.WriteFile(files.Path("x"), []byte("abc\n"), 0644))

	_, err := files.Read("x")
	assert.True(t, errors.IsValidationError(err))
}

func TestPIDFiles_DefaultDirectory(t *testing.T) {
	files := NewPIDFiles("", nil)
	assert.Equal(t, DefaultAppName, filepath.Base(files.Directory()))
}
