// Package util holds the durable file primitives shared by the state and
// recovery stores: atomic writes, rolling JSON backups, and corruption
// recovery on read.
package util

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultBackupCount is how many rolling backups AtomicWriteJSON keeps.
const DefaultBackupCount = 3

// RecoveryWarning is invoked when ReadJSONWithRecovery falls back to a backup
// after finding the primary file corrupted.
type RecoveryWarning func(path string, backup string, cause error)

// AtomicWriteFile writes data through a temp file in the target directory
// followed by a rename, so readers never observe a partial file. The temp
// file is synced before the rename; the rename is atomic on POSIX
// filesystems.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// AtomicWriteJSON marshals v and writes it atomically to path, first rotating
// the existing file into a set of rolling backups (path.bak1 is the newest).
// Rotation failures are ignored: backups are best-effort, the primary write
// is not.
func AtomicWriteJSON(path string, v any, backups int) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	rotateBackups(path, backups)
	return AtomicWriteFile(path, data, 0644)
}

// ReadJSONWithRecovery reads JSON from path into v. If the primary file is
// missing os.ErrNotExist is returned unchanged. If it exists but cannot be
// parsed, the newest valid backup is used instead and warn (if non-nil) is
// called with the corruption cause.
func ReadJSONWithRecovery(path string, v any, warn RecoveryWarning) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	parseErr := json.Unmarshal(data, v)
	if parseErr == nil {
		return nil
	}

	// Primary is corrupted - try backups, newest first.
	for _, bak := range listBackups(path) {
		bakData, err := os.ReadFile(bak)
		if err != nil {
			continue
		}
		if err := json.Unmarshal(bakData, v); err == nil {
			if warn != nil {
				warn(path, bak, parseErr)
			}
			return nil
		}
	}

	return fmt.Errorf("parse %s (no valid backup): %w", path, parseErr)
}

// backupPath returns the path of the n-th backup (1 is the newest).
func backupPath(path string, n int) string {
	return fmt.Sprintf("%s.bak%d", path, n)
}

// rotateBackups shifts the existing file and its backups down one slot,
// dropping the oldest. A missing primary means there is nothing to rotate.
func rotateBackups(path string, backups int) {
	if backups <= 0 {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	for i := backups - 1; i >= 1; i-- {
		_ = os.Rename(backupPath(path, i), backupPath(path, i+1))
	}
	if prev, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(backupPath(path, 1), prev, 0644)
	}
}

// listBackups returns existing backup paths for path, newest first.
func listBackups(path string) []string {
	var out []string
	for i := 1; i <= 16; i++ {
		bak := backupPath(path, i)
		if _, err := os.Stat(bak); err == nil {
			out = append(out, bak)
		}
	}
	return out
}
