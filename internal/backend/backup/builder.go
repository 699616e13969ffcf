package backup

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/zeebo/xxh3"
)

// ScannedFile is one regular file found under a source root, before
// any hashing. RelPath is the absolute path with the leading slash
// stripped so entries from different roots cannot collide.
type ScannedFile struct {
	RelPath string
	AbsPath string
	Size    int64
	ModTime int64
}

// ScanSource walks every source root and returns the candidate file
// set with exclusion patterns already applied. Symlinks are skipped.
// A missing root or a read error mid-walk aborts the whole scan with
// ErrSourceUnavailable so nothing is uploaded for a half-read tree.
func ScanSource(sourcePaths []string, excludePatterns []string) ([]ScannedFile, error) {
	globs := make([]glob.Glob, 0, len(excludePatterns))
	for _, pattern := range excludePatterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("ScanSource: bad exclude pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}

	excluded := func(rel string) bool {
		for _, g := range globs {
			if g.Match(rel) || g.Match(filepath.Base(rel)) {
				return true
			}
		}
		return false
	}

	var files []ScannedFile
	for _, root := range sourcePaths {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("ScanSource: %s: %w", root, ErrSourceUnavailable)
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return fmt.Errorf("%s: %w", path, ErrSourceUnavailable)
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}

			// Exclusions match against the root-relative path; the
			// manifest key keeps the full path so roots cannot collide.
			rootRel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return fmt.Errorf("%s: %w", path, ErrSourceUnavailable)
			}
			if excluded(filepath.ToSlash(rootRel)) {
				return nil
			}
			rel := filepath.ToSlash(strings.TrimPrefix(path, string(os.PathSeparator)))

			fi, err := d.Info()
			if err != nil {
				return fmt.Errorf("%s: %w", path, ErrSourceUnavailable)
			}
			files = append(files, ScannedFile{
				RelPath: rel,
				AbsPath: path,
				Size:    fi.Size(),
				ModTime: fi.ModTime().Unix(),
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("ScanSource: walk %s: %w", root, err)
		}
	}
	return files, nil
}

// Unchanged reports whether a scanned file can reuse its previous
// manifest entry without rehashing. Size and mtime both matching is
// treated as unchanged.
func Unchanged(file ScannedFile, prev FileEntry) bool {
	return file.Size == prev.Size && file.ModTime == prev.ModTime
}

// HashFile streams the file through xxh3-128 and returns the hex
// digest.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("HashFile: %w", err)
	}
	defer f.Close()

	hasher := xxh3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("HashFile: %w", err)
	}
	sum := hasher.Sum128().Bytes()
	return fmt.Sprintf("%x", sum), nil
}
