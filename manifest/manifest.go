// Package manifest describes a build tree as a map of relative paths to content fingerprints.
package manifest

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"
)

// Entry describes one regular file of a tree.
type Entry struct {
	Path        string      `json:"path"` // slash-separated, relative to the tree root
	Size        int64       `json:"size"`
	Mode        fs.FileMode `json:"mode"`
	Fingerprint string      `json:"fingerprint"` // BLAKE3-256, hex
}

// Manifest maps relative paths to entries.
type Manifest map[string]Entry

// Paths returns the manifest paths in sorted order.
func (m Manifest) Paths() []string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// TotalSize sums the sizes of all entries.
func (m Manifest) TotalSize() int64 {
	var total int64
	for _, e := range m {
		total += e.Size
	}
	return total
}

// Clone returns an independent copy.
func (m Manifest) Clone() Manifest {
	out := make(Manifest, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ValidateExcludes reports the first malformed pattern.
func ValidateExcludes(patterns []string) error {
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("bad exclude pattern %q: %w", pattern, doublestar.ErrBadPattern)
		}
	}
	return nil
}

// Build walks root and fingerprints every regular file not matched by excludes.
// Excludes are doublestar patterns matched against slash-separated relative paths;
// a matching directory prunes its whole subtree. Symlinks and other special files are skipped.
// Cancelling ctx stops the walk between files.
func Build(ctx context.Context, root string, excludes []string) (Manifest, error) {
	if err := ValidateExcludes(excludes); err != nil {
		return nil, err
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("reading build path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("build path %s is not a directory", root)
	}

	m := make(Manifest)
	err = filepath.WalkDir(root, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if file == root {
			return nil
		}

		rel, err := filepath.Rel(root, file)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if Excluded(rel, excludes) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		sum, err := Fingerprint(file)
		if err != nil {
			return err
		}
		m[rel] = Entry{
			Path:        rel,
			Size:        fi.Size(),
			Mode:        fi.Mode().Perm(),
			Fingerprint: sum,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("building manifest of %s: %w", root, err)
	}
	return m, nil
}

// Excluded reports whether rel matches any of the patterns. Malformed patterns
// match nothing; check them with ValidateExcludes first.
func Excluded(rel string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		// A bare name like "*.pdb" also matches in subdirectories.
		if !strings.Contains(pattern, "/") {
			if ok, _ := doublestar.Match(pattern, path.Base(rel)); ok {
				return true
			}
		}
	}
	return false
}

// Fingerprint returns the hex BLAKE3-256 digest of the file contents.
func Fingerprint(file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Diff compares a previously transferred manifest with the current one.
// changed lists paths that are new or differ in size, mode or fingerprint;
// removed lists paths present only in prev. Both are sorted.
func Diff(prev, next Manifest) (changed, removed []string) {
	for p, entry := range next {
		old, ok := prev[p]
		if !ok || old != entry {
			changed = append(changed, p)
		}
	}
	for p := range prev {
		if _, ok := next[p]; !ok {
			removed = append(removed, p)
		}
	}
	sort.Strings(changed)
	sort.Strings(removed)
	return changed, removed
}
