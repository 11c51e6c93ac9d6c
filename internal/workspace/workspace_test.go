package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()

	ok := []string{"bot.py", "pkg/util.py", "./a/../b.txt", "a/b/../../c"}
	for _, rel := range ok {
		got, err := SafeJoin(root, rel)
		require.NoError(t, err, rel)
		assert.True(t, strings.HasPrefix(got, root+string(filepath.Separator)), got)
	}

	bad := []string{"", "/etc/passwd", "../x", "a/../../x", "..", ".", "../../etc/passwd"}
	for _, rel := range bad {
		_, err := SafeJoin(root, rel)
		require.Error(t, err, rel)
		assert.True(t, errors.Is(err, ErrUnsafePath), rel)
	}
}

func TestPrepareAndCleanup(t *testing.T) {
	mgr, err := New(t.TempDir())
	require.NoError(t, err)

	a, err := mgr.Prepare("inline")
	require.NoError(t, err)
	b, err := mgr.Prepare("inline")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	require.NoError(t, WriteFile(a, "nested/bot.py", []byte("print(1)")))
	data, err := os.ReadFile(filepath.Join(a, "nested", "bot.py"))
	require.NoError(t, err)
	assert.Equal(t, "print(1)", string(data))

	require.NoError(t, mgr.Cleanup(a))
	_, err = os.Stat(a)
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, mgr.Cleanup(mgr.Root()))
	assert.Error(t, mgr.Cleanup(filepath.Dir(mgr.Root())))
}

func TestWriteFileRejectsEscape(t *testing.T) {
	root := t.TempDir()
	err := WriteFile(root, "../outside.txt", []byte("x"))
	require.ErrorIs(t, err, ErrUnsafePath)
	_, statErr := os.Stat(filepath.Join(filepath.Dir(root), "outside.txt"))
	assert.True(t, os.IsNotExist(statErr))
}
