package gates

import (
	"io/fs"
	"path/filepath"
	"strings"
)

// walkFiles visits regular files under root, pruning excluded and hidden
// directories. rel is slash-separated and relative to root.
func walkFiles(root string, excludes []string, visit func(path, rel string, d fs.DirEntry) error) error {
	skip := make(map[string]bool, len(excludes))
	for _, e := range excludes {
		skip[e] = true
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			if name := d.Name(); skip[name] || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			rel = path
		}
		return visit(path, filepath.ToSlash(rel), d)
	})
}
