package transform

import (
	"bytes"
	"fmt"
	"go/format"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Gofmt rewrites Go source files into canonical gofmt form.
type Gofmt struct{}

func (Gofmt) Name() string { return "gofmt" }

// Apply walks the tree and collects every .go file whose formatted form
// differs from what is on disk. Hidden directories, vendor and testdata are
// skipped; files that do not parse are reported rather than silently left
// behind.
func (Gofmt) Apply(root string) ([]Change, error) {
	var changes []Change

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, ".") || name == "vendor" || name == "testdata") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".go") {
			return nil
		}

		src, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		formatted, err := format.Source(src)
		if err != nil {
			return fmt.Errorf("formatting %s: %w", path, err)
		}
		if bytes.Equal(src, formatted) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		changes = append(changes, Change{Path: rel, Content: formatted})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}
