package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/steveyegge/streambed/internal/storage"
	"github.com/steveyegge/streambed/internal/types"
)

// FilesystemProvider stores archives as JSON files, optionally gzipped,
// under a root directory. Layout: <root>/<backupId>.json[.gz]. The checksum
// is always computed over the uncompressed JSON so a handle survives
// recompression.
type FilesystemProvider struct {
	root string
}

// NewFilesystemProvider creates the root directory if needed.
func NewFilesystemProvider(root string) (*FilesystemProvider, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup root %s: %w", root, err)
	}
	return &FilesystemProvider{root: root}, nil
}

// Name implements Provider.
func (p *FilesystemProvider) Name() string { return "filesystem" }

// Write implements Provider.
func (p *FilesystemProvider) Write(ctx context.Context, backupID string, a *Archive, compress bool) (string, int64, string, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, "", err
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return "", 0, "", fmt.Errorf("encoding archive: %w", err)
	}
	sum := sha256.Sum256(raw)
	checksum := hex.EncodeToString(sum[:])

	name := backupID + ".json"
	data := raw
	if compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return "", 0, "", fmt.Errorf("compressing archive: %w", err)
		}
		if err := zw.Close(); err != nil {
			return "", 0, "", fmt.Errorf("compressing archive: %w", err)
		}
		data = buf.Bytes()
		name += ".gz"
	}

	path := filepath.Join(p.root, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", 0, "", fmt.Errorf("writing archive: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", 0, "", fmt.Errorf("writing archive: %w", err)
	}
	return path, int64(len(data)), checksum, nil
}

// Read implements Provider. The decoded archive's checksum must match the
// handle's.
func (p *FilesystemProvider) Read(ctx context.Context, handle types.BackupHandle) (*Archive, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(handle.Location)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("archive %s: %w", handle.BackupID, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("reading archive %s: %w", handle.BackupID, err)
	}
	if handle.Metadata.IsCompressed {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("archive %s: bad gzip header: %w", handle.BackupID, ErrBackupValidation)
		}
		raw, err := io.ReadAll(zr)
		if cerr := zr.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("archive %s: decompress: %w", handle.BackupID, ErrBackupValidation)
		}
		data = raw
	}

	if handle.Metadata.Checksum != "" {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != handle.Metadata.Checksum {
			return nil, fmt.Errorf("archive %s: checksum %s != %s: %w",
				handle.BackupID, got, handle.Metadata.Checksum, ErrBackupValidation)
		}
	}

	var a Archive
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("archive %s: decode: %w", handle.BackupID, ErrBackupValidation)
	}
	return &a, nil
}

// Delete implements Provider; deleting a missing archive is a no-op.
func (p *FilesystemProvider) Delete(ctx context.Context, handle types.BackupHandle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(handle.Location); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting archive %s: %w", handle.BackupID, err)
	}
	return nil
}
