package extract

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/karrick/godirwalk"
)

// Collect resolves roots into a sorted, de-duplicated list of supported
// document files. A root may be a file, a directory (walked recursively) or a
// doublestar glob. When include patterns are given, files found under a
// directory root must match at least one of them relative to that root.
func Collect(roots []string, include []string) ([]string, error) {
	for _, p := range include {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid include pattern %q", p)
		}
	}

	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if Supported(p) && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, root := range roots {
		fi, err := os.Stat(root)
		switch {
		case err == nil && fi.IsDir():
			err := godirwalk.Walk(root, &godirwalk.Options{
				Callback: func(path string, de *godirwalk.Dirent) error {
					if de.IsDir() {
						if path != root && de.Name()[0] == '.' {
							return godirwalk.SkipThis
						}
						return nil
					}
					if len(include) > 0 && !matchAny(include, rel(root, path)) {
						return nil
					}
					add(path)
					return nil
				},
			})
			if err != nil {
				return nil, fmt.Errorf("walk %s: %w", root, err)
			}
		case err == nil:
			add(root)
		case errors.Is(err, os.ErrNotExist):
			matches, gerr := doublestar.FilepathGlob(root, doublestar.WithFilesOnly())
			if gerr != nil {
				return nil, fmt.Errorf("glob %q: %w", root, gerr)
			}
			if len(matches) == 0 {
				return nil, fmt.Errorf("%w: %s", ErrFileNotFound, root)
			}
			for _, m := range matches {
				add(m)
			}
		default:
			return nil, err
		}
	}
	sort.Strings(out)
	return out, nil
}

func matchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.PathMatch(p, path); ok {
			return true
		}
	}
	return false
}

func rel(root, p string) string {
	r, err := filepath.Rel(root, p)
	if err != nil {
		return p
	}
	return r
}
