package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SafeJoin joins key below root and rejects keys that escape it.
func SafeJoin(root, key string) (string, error) {
	path := filepath.Join(root, filepath.FromSlash(key))
	if !strings.HasPrefix(path, filepath.Clean(root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal file path: %s", key)
	}
	return path, nil
}

// SaveFile writes body to destPath, creating the parent directory. The file
// is written beside its destination and renamed into place.
func SaveFile(destPath string, body []byte) error {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), destPath)
}
