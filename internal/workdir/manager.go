// Package workdir manages per-session working directories: creation,
// deep-cloning for forks, deterministic archival, and extraction.
package workdir

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/store"
)

// Manager owns the filesystem layout under the storage root:
// <root>/active/<session_id> for live sessions and the archive store for
// compressed blobs.
type Manager struct {
	root         string
	archiveStore string
	logger       *logger.Logger
}

// NewManager creates a workdir manager rooted at root, writing archives to
// archiveStore.
func NewManager(root, archiveStore string, log *logger.Logger) (*Manager, error) {
	if root == "" {
		return nil, apperrors.Validation("storage root is required")
	}
	if archiveStore == "" {
		archiveStore = filepath.Join(root, "archives")
	}
	for _, dir := range []string{filepath.Join(root, "active"), archiveStore} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare storage dir %s: %w", dir, err)
		}
	}
	return &Manager{root: root, archiveStore: archiveStore, logger: log}, nil
}

// Create makes an empty working directory for a session. Creating over an
// existing empty directory is a no-op; an existing non-empty directory is a
// conflict.
func (m *Manager) Create(sessionID string) (string, error) {
	path := filepath.Join(m.root, "active", sessionID)
	entries, err := os.ReadDir(path)
	if err == nil {
		if len(entries) > 0 {
			return "", apperrors.Conflict(fmt.Sprintf("workdir %s already exists and is not empty", path))
		}
		return path, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to inspect workdir: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workdir: %w", err)
	}
	m.logger.Debug("created workdir", zap.String("session_id", sessionID), zap.String("path", path))
	return path, nil
}

// Clone deep-copies srcPath into a fresh workdir for dstSessionID.
func (m *Manager) Clone(srcPath, dstSessionID string) (string, error) {
	if _, err := os.Stat(srcPath); err != nil {
		if os.IsNotExist(err) {
			return "", apperrors.NotFound("workdir", srcPath)
		}
		return "", fmt.Errorf("failed to stat source workdir: %w", err)
	}

	dstPath, err := m.Create(dstSessionID)
	if err != nil {
		return "", err
	}

	err = filepath.WalkDir(srcPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcPath, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dstPath, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			// Symlinks and devices are not part of a session workspace.
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
	if err != nil {
		return "", fmt.Errorf("failed to clone workdir: %w", err)
	}

	m.logger.Info("cloned workdir",
		zap.String("src", srcPath),
		zap.String("dst_session_id", dstSessionID))
	return dstPath, nil
}

// ArchiveResult is the outcome of compressing a workdir.
type ArchiveResult struct {
	Path      string
	SizeBytes int64
	Manifest  []store.ManifestEntry
}

// Archive compresses a session's workdir into a single blob and returns the
// deterministic manifest. Files are streamed in sorted relpath order.
// Compression is CPU and disk bound; callers dispatch it off the request
// path.
func (m *Manager) Archive(ctx context.Context, sessionID string, compression store.Compression) (*ArchiveResult, error) {
	srcPath := filepath.Join(m.root, "active", sessionID)
	if _, err := os.Stat(srcPath); err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("workdir", srcPath)
		}
		return nil, fmt.Errorf("failed to stat workdir: %w", err)
	}

	manifest, err := buildManifest(srcPath)
	if err != nil {
		return nil, fmt.Errorf("failed to build manifest: %w", err)
	}

	archivePath := filepath.Join(m.archiveStore, sessionID+extensionFor(compression))
	out, err := os.Create(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive file: %w", err)
	}

	switch compression {
	case store.CompressionGzip:
		gz := gzip.NewWriter(out)
		err = writeTar(ctx, gz, srcPath, manifest)
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
	case store.CompressionTar:
		err = writeTar(ctx, out, srcPath, manifest)
	case store.CompressionZip:
		err = writeZip(ctx, out, srcPath, manifest)
	default:
		err = apperrors.Validation(fmt.Sprintf("unsupported compression: %s", compression))
	}
	if err != nil {
		out.Close()
		os.Remove(archivePath)
		return nil, err
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	m.logger.Info("archived workdir",
		zap.String("session_id", sessionID),
		zap.String("archive", archivePath),
		zap.Int64("size_bytes", info.Size()),
		zap.Int("files", len(manifest)))

	return &ArchiveResult{
		Path:      archivePath,
		SizeBytes: info.Size(),
		Manifest:  manifest,
	}, nil
}

// Extract unpacks an archive blob into dst, creating it if needed.
func (m *Manager) Extract(ctx context.Context, archivePath, dst string) (string, error) {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", fmt.Errorf("failed to create extraction dir: %w", err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperrors.NotFound("archive", archivePath)
		}
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	switch {
	case strings.HasSuffix(archivePath, ".tar.gz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return "", fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		err = extractTar(ctx, gz, dst)
		if err != nil {
			return "", err
		}
	case strings.HasSuffix(archivePath, ".tar"):
		if err := extractTar(ctx, f, dst); err != nil {
			return "", err
		}
	case strings.HasSuffix(archivePath, ".zip"):
		info, err := f.Stat()
		if err != nil {
			return "", fmt.Errorf("failed to stat archive: %w", err)
		}
		if err := extractZip(ctx, f, info.Size(), dst); err != nil {
			return "", err
		}
	default:
		return "", apperrors.Validation(fmt.Sprintf("unrecognized archive format: %s", archivePath))
	}
	return dst, nil
}

// Delete removes a working directory. Paths outside the storage root are
// refused.
func (m *Manager) Delete(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	rootAbs, err := filepath.Abs(m.root)
	if err != nil {
		return fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if !strings.HasPrefix(abs+string(filepath.Separator), rootAbs+string(filepath.Separator)) {
		return apperrors.Forbidden(fmt.Sprintf("refusing to delete outside storage root: %s", path))
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("failed to delete workdir: %w", err)
	}
	m.logger.Debug("deleted workdir", zap.String("path", path))
	return nil
}

// Path returns the active workdir path for a session without touching disk.
func (m *Manager) Path(sessionID string) string {
	return filepath.Join(m.root, "active", sessionID)
}

func extensionFor(c store.Compression) string {
	switch c {
	case store.CompressionZip:
		return ".zip"
	case store.CompressionTar:
		return ".tar"
	default:
		return ".tar.gz"
	}
}

// buildManifest walks the tree collecting regular files, sorted by relpath,
// each with size and sha256.
func buildManifest(root string) ([]store.ManifestEntry, error) {
	var entries []store.ManifestEntry
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sum, err := hashFile(path)
		if err != nil {
			return err
		}
		entries = append(entries, store.ManifestEntry{
			RelPath: filepath.ToSlash(rel),
			Size:    info.Size(),
			SHA256:  sum,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].RelPath < entries[j].RelPath })
	return entries, nil
}

func writeTar(ctx context.Context, w io.Writer, root string, manifest []store.ManifestEntry) error {
	tw := tar.NewWriter(w)
	for _, entry := range manifest {
		if err := ctx.Err(); err != nil {
			return apperrors.Cancelled("archive cancelled")
		}
		path := filepath.Join(root, filepath.FromSlash(entry.RelPath))
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", entry.RelPath, err)
		}
		hdr := &tar.Header{
			Name:    entry.RelPath,
			Mode:    int64(info.Mode().Perm()),
			Size:    entry.Size,
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write tar header for %s: %w", entry.RelPath, err)
		}
		if err := streamFile(path, tw); err != nil {
			return err
		}
	}
	return tw.Close()
}

func writeZip(ctx context.Context, w io.Writer, root string, manifest []store.ManifestEntry) error {
	zw := zip.NewWriter(w)
	for _, entry := range manifest {
		if err := ctx.Err(); err != nil {
			return apperrors.Cancelled("archive cancelled")
		}
		path := filepath.Join(root, filepath.FromSlash(entry.RelPath))
		fw, err := zw.Create(entry.RelPath)
		if err != nil {
			return fmt.Errorf("failed to add %s to zip: %w", entry.RelPath, err)
		}
		if err := streamFile(path, fw); err != nil {
			return err
		}
	}
	return zw.Close()
}

func extractTar(ctx context.Context, r io.Reader, dst string) error {
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return apperrors.Cancelled("extract cancelled")
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}
		target, err := safeJoin(dst, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create parent of %s: %w", hdr.Name, err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", hdr.Name, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}

func extractZip(ctx context.Context, r io.ReaderAt, size int64, dst string) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return apperrors.Cancelled("extract cancelled")
		}
		target, err := safeJoin(dst, zf.Name)
		if err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", zf.Name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create parent of %s: %w", zf.Name, err)
		}
		in, err := zf.Open()
		if err != nil {
			return fmt.Errorf("failed to open zip entry %s: %w", zf.Name, err)
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			in.Close()
			return fmt.Errorf("failed to create file %s: %w", zf.Name, err)
		}
		_, err = io.Copy(out, in)
		in.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("failed to extract %s: %w", zf.Name, err)
		}
	}
	return nil
}

// safeJoin joins rel under dst, rejecting traversal outside dst.
func safeJoin(dst, rel string) (string, error) {
	target := filepath.Join(dst, filepath.FromSlash(rel))
	if !strings.HasPrefix(target, filepath.Clean(dst)+string(filepath.Separator)) {
		return "", apperrors.Validation(fmt.Sprintf("archive entry escapes destination: %s", rel))
	}
	return target, nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func streamFile(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to stream %s: %w", path, err)
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
