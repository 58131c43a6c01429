// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package layout

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// TempSuffix separates a target file name from the unique suffix of its
// in-flight temporary file.
const TempSuffix = ".tmp-"

// WriteFileAtomic replaces path with data so that readers observe either the
// old or the new content, never a partial write.
//
// # Description
//
// Writes to <path>.tmp-<uuid> in the same directory, fsyncs it, renames it
// over path and fsyncs the directory so the rename itself is durable. On
// failure the temporary file is removed and path is left untouched.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmpName := path + TempSuffix + uuid.NewString()
	f, err := os.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming temp file into place: %w", err)
	}
	committed = true
	return syncDir(dir)
}

// RemoveStaleTemps deletes leftover temporary files of path from crashed
// writers. Callers must hold the lock guarding path.
func RemoveStaleTemps(path string) (int, error) {
	matches, err := filepath.Glob(path + TempSuffix + "*")
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			removed++
		}
	}
	return removed, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening directory for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		// Some filesystems (and Windows) reject fsync on directories.
		if os.IsPermission(err) {
			return nil
		}
		return fmt.Errorf("syncing directory %s: %w", dir, err)
	}
	return nil
}
