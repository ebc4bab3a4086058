package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFixtureBoxes_ReadsNestedJSONByRelativePath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "session-1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session-1", "image-1.json"),
		[]byte(`{"boxes":[{"text":"Billdal","x":1,"y":2,"w":3,"h":4}]}`), 0o644))

	boxes, err := LoadFixtureBoxes(dir)
	require.NoError(t, err)
	require.Contains(t, boxes, "session-1/image-1")
	assert.Equal(t, "Billdal", boxes["session-1/image-1"][0].Text)
}

func TestLoadFixtureBoxes_MissingDirReturnsEmptyMap(t *testing.T) {
	boxes, err := LoadFixtureBoxes(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, boxes)
}

func TestFixtureObjectsFor_MirrorsKeysAsBytes(t *testing.T) {
	boxes, err := LoadFixtureBoxes(t.TempDir())
	require.NoError(t, err)
	boxes["session-1/image-1"] = nil

	objects := FixtureObjectsFor(boxes)
	require.Contains(t, objects, "session-1/image-1")
	assert.Equal(t, []byte("session-1/image-1"), objects["session-1/image-1"])
}
