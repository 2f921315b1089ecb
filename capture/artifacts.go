package capture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// artifactName builds "<kind>-<unixms><ext>".
func artifactName(kind string, at time.Time, ext string) string {
	return fmt.Sprintf("%s-%d%s", kind, at.UnixMilli(), ext)
}

// uniquePath returns dir/name, or a nanosecond-suffixed variant when a file of
// that name is already stored.
func uniquePath(dir, name string) string {
	p := filepath.Join(dir, name)
	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		return p
	}
	ext := filepath.Ext(name)
	return filepath.Join(dir, fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), time.Now().UnixNano(), ext))
}

// storeArtifact places a capture under dir and returns its path. A source file
// on the same filesystem is renamed into place. Otherwise content, which
// already holds the bytes that were hashed, is written out and the source is
// left for the caller to discard.
func storeArtifact(dir, name, srcPath string, content []byte) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", errors.New("artifact dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := uniquePath(dir, name)
	if srcPath != "" && os.Rename(srcPath, dst) == nil {
		return dst, nil
	}

	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return "", err
	}
	_, werr := tmp.Write(content)
	if err := errors.Join(werr, tmp.Close()); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return dst, nil
}

// insideDir reports whether path names a regular file below dir. Symlinks are
// refused so a link in the inbox cannot point the gate at other files.
func insideDir(dir, path string) bool {
	if dir == "" || path == "" {
		return false
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	fi, err := os.Lstat(absPath)
	return err == nil && fi.Mode().IsRegular()
}

func extFor(kind, srcPath string) string {
	if srcPath != "" {
		if ext := filepath.Ext(srcPath); ext != "" {
			return ext
		}
	}
	if kind == KindPageSnapshot {
		return ".html"
	}
	return ".png"
}
