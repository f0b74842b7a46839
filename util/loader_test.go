package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o600))
	}
}

func TestLoadImageFiles(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "b.png", "a.JPG", "c.webp", "notes.txt", "d.gif")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.png"), 0o700))

	images, err := LoadImageFiles(dir)
	require.NoError(t, err)

	var names []string
	for _, img := range images {
		names = append(names, filepath.Base(img.Path))
		assert.Equal(t, filepath.Base(img.Path), string(img.Data), "data should be the file contents")
	}
	assert.Equal(t, []string{"a.JPG", "b.png", "c.webp", "d.gif"}, names)
}

func TestLoadImageFilesMissingDir(t *testing.T) {
	_, err := LoadImageFiles(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestLoadImageArgs(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "one.png", "two.jpeg")
	explicit := filepath.Join(t.TempDir(), "upload.bin")
	require.NoError(t, os.WriteFile(explicit, []byte("raw"), 0o600))

	images, err := LoadImageArgs([]string{explicit, dir})
	require.NoError(t, err)
	require.Len(t, images, 3)
	assert.Equal(t, explicit, images[0].Path, "explicit files are kept regardless of extension")
	assert.Equal(t, "one.png", filepath.Base(images[1].Path))
	assert.Equal(t, "two.jpeg", filepath.Base(images[2].Path))

	_, err = LoadImageArgs([]string{filepath.Join(dir, "absent.png")})
	assert.Error(t, err)
}

func TestIsImagePath(t *testing.T) {
	assert.True(t, IsImagePath("lesion.PNG"))
	assert.True(t, IsImagePath("/tmp/x.webp"))
	assert.False(t, IsImagePath("model.onnx"))
	assert.False(t, IsImagePath("noext"))
}
