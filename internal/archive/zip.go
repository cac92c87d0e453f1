package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ExtractZip unpacks the archive at src into dst. Entry paths must stay
// inside dst, only regular files and directories are materialized, and the
// total decompressed size is bounded by maxBytes.
func ExtractZip(src, dst string, maxBytes int64) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	root := filepath.Clean(dst)
	var total int64
	for _, f := range zr.File {
		if err := extractEntry(f, root, &total, maxBytes); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(f *zip.File, root string, total *int64, maxBytes int64) error {
	target := filepath.Join(root, filepath.FromSlash(f.Name))
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return fmt.Errorf("archive entry escapes workspace: %s", f.Name)
	}
	mode := f.Mode()
	switch {
	case mode.IsDir():
		return os.MkdirAll(target, 0750)
	case !mode.IsRegular():
		// Symlinks and devices could point outside the workspace.
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return fmt.Errorf("create entry directory: %w", err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open archive entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm()&0755)
	if err != nil {
		return fmt.Errorf("create entry file %s: %w", f.Name, err)
	}
	remaining := maxBytes - *total
	n, err := io.Copy(out, io.LimitReader(rc, remaining+1))
	closeErr := out.Close()
	*total += n
	if err != nil {
		return fmt.Errorf("write entry %s: %w", f.Name, err)
	}
	if closeErr != nil {
		return fmt.Errorf("close entry %s: %w", f.Name, closeErr)
	}
	if *total > maxBytes {
		return fmt.Errorf("archive exceeds %d byte extraction limit", maxBytes)
	}
	return nil
}
