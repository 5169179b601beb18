package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestassociates/agent-platform/internal/config"
)

func TestLocalArchiverStore(t *testing.T) {
	dir := t.TempDir()
	archiver, err := New(context.Background(), config.Config{SnapshotDir: dir})
	require.NoError(t, err)

	path, err := archiver.Store(context.Background(), "builds/build-1.json", []byte(`{"agent":{}}`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "builds", "build-1.json"), path)

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"agent":{}}`, string(body))
}

func TestLocalArchiverOverwrites(t *testing.T) {
	dir := t.TempDir()
	archiver, err := New(context.Background(), config.Config{SnapshotDir: dir})
	require.NoError(t, err)

	_, err = archiver.Store(context.Background(), "builds/build-1.json", []byte(`{"v":1}`))
	require.NoError(t, err)
	path, err := archiver.Store(context.Background(), "builds/build-1.json", []byte(`{"v":2}`))
	require.NoError(t, err)

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(body))
}

func TestSanitizeKey(t *testing.T) {
	assert.Equal(t, "builds/build-1.json", sanitizeKey("builds/build-1.json"))
	assert.Equal(t, "builds/build-1.json", sanitizeKey("./builds/build-1.json"))
	assert.Equal(t, "etc/passwd", sanitizeKey("../../etc/passwd"))
}
