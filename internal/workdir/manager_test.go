package workdir

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/store"
)

func setupManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), "", logger.Default())
	require.NoError(t, err)
	return m
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCreateIsIdempotentOnEmptyDir(t *testing.T) {
	m := setupManager(t)

	p1, err := m.Create("session-1")
	require.NoError(t, err)
	p2, err := m.Create("session-1")
	require.NoError(t, err)
	assert.Equal(t, p1, p2)

	// Non-empty existing dir is a conflict.
	writeFile(t, p1, "a.txt", "data")
	_, err = m.Create("session-1")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.Code(err))
}

func TestCloneDeepCopies(t *testing.T) {
	m := setupManager(t)

	src, err := m.Create("parent")
	require.NoError(t, err)
	writeFile(t, src, "a.txt", "alpha")
	writeFile(t, src, "sub/b.txt", "beta")

	dst, err := m.Clone(src, "fork")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
	data, err = os.ReadFile(filepath.Join(dst, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "beta", string(data))

	// Mutating the clone leaves the parent untouched.
	writeFile(t, dst, "a.txt", "changed")
	data, err = os.ReadFile(filepath.Join(src, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
}

func TestCloneMissingSource(t *testing.T) {
	m := setupManager(t)
	_, err := m.Clone(filepath.Join(t.TempDir(), "nope"), "fork")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestArchiveRoundTrip(t *testing.T) {
	for _, compression := range []store.Compression{store.CompressionGzip, store.CompressionTar, store.CompressionZip} {
		t.Run(string(compression), func(t *testing.T) {
			m := setupManager(t)
			ctx := context.Background()

			src, err := m.Create("session-1")
			require.NoError(t, err)
			writeFile(t, src, "a.txt", "one hundred bytes or so")
			writeFile(t, src, "sub/b.txt", "nested content")

			result, err := m.Archive(ctx, "session-1", compression)
			require.NoError(t, err)
			assert.Greater(t, result.SizeBytes, int64(0))

			// Manifest is sorted by relpath with correct sizes and hashes.
			require.Len(t, result.Manifest, 2)
			assert.Equal(t, "a.txt", result.Manifest[0].RelPath)
			assert.Equal(t, "sub/b.txt", result.Manifest[1].RelPath)
			assert.Equal(t, int64(len("one hundred bytes or so")), result.Manifest[0].Size)
			assert.Equal(t, sha256Hex("one hundred bytes or so"), result.Manifest[0].SHA256)

			// Extraction reproduces the exact tree.
			dst := t.TempDir()
			_, err = m.Extract(ctx, result.Path, dst)
			require.NoError(t, err)
			for _, entry := range result.Manifest {
				data, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(entry.RelPath)))
				require.NoError(t, err)
				assert.Equal(t, entry.SHA256, sha256Hex(string(data)))
			}
		})
	}
}

func TestArchiveMissingWorkdir(t *testing.T) {
	m := setupManager(t)
	_, err := m.Archive(context.Background(), "missing", store.CompressionGzip)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDeleteRefusesOutsideRoot(t *testing.T) {
	m := setupManager(t)

	outside := t.TempDir()
	err := m.Delete(outside)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeForbidden, apperrors.Code(err))

	p, err := m.Create("session-1")
	require.NoError(t, err)
	require.NoError(t, m.Delete(p))
	_, err = os.Stat(p)
	assert.True(t, os.IsNotExist(err))
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
