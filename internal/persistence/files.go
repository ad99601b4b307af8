package persistence

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

const (
	backupDirName    = "backup"
	corruptedDirName = "backup_of_corrupted_data"
	tempFilePrefix   = "temp_"
)

var backupSeq atomic.Uint64

// stampedName gives copies of fileName names that sort by creation order.
func stampedName(fileName string) string {
	return fmt.Sprintf("%s_%020d_%08d", fileName, time.Now().UnixNano(), backupSeq.Add(1)%100000000)
}

// rollingBackup copies the current file into backup/<fileName>/ and prunes the
// oldest copies beyond maxBackups. The live file is left in place.
func rollingBackup(dir, fileName string, maxBackups int) error {
	if maxBackups <= 0 {
		return nil
	}
	src := filepath.Join(dir, fileName)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}

	backupDir := filepath.Join(dir, backupDirName, fileName)
	if err := os.MkdirAll(backupDir, 0o700); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	dst := filepath.Join(backupDir, stampedName(fileName))
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("copy backup: %w", err)
	}

	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return fmt.Errorf("list backups: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), fileName+"_") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for len(names) > maxBackups {
		if err := os.Remove(filepath.Join(backupDir, names[0])); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune backup: %w", err)
		}
		names = names[1:]
	}
	return nil
}

// quarantine moves an unreadable file into backup_of_corrupted_data/ and
// returns the new path.
func quarantine(dir, fileName string) (string, error) {
	corruptedDir := filepath.Join(dir, corruptedDirName)
	if err := os.MkdirAll(corruptedDir, 0o700); err != nil {
		return "", fmt.Errorf("create quarantine directory: %w", err)
	}
	dst := filepath.Join(corruptedDir, stampedName(fileName))
	if err := os.Rename(filepath.Join(dir, fileName), dst); err != nil {
		return "", fmt.Errorf("move corrupted file: %w", err)
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	// #nosec G304 -- src is derived from the manager's own storage directory.
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func syncDirectory(dir string) {
	// #nosec G304 -- directory is the manager's own storage directory.
	if handle, err := os.Open(dir); err == nil {
		_ = handle.Sync()
		_ = handle.Close()
	}
}
