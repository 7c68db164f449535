package transform

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

var stampRe = regexp.MustCompile(`(?m)^Last updated: \d{4}-\d{2}-\d{2}$`)

// DocsStamp refreshes the "Last updated: YYYY-MM-DD" marker in README.md.
// A README without the marker is left alone.
type DocsStamp struct {
	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time
}

func (DocsStamp) Name() string { return "docs-stamp" }

func (d DocsStamp) Apply(root string) ([]Change, error) {
	path := filepath.Join(root, "README.md")
	src, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	stamp := "Last updated: " + now().UTC().Format("2006-01-02")

	updated := stampRe.ReplaceAll(src, []byte(stamp))
	if bytes.Equal(src, updated) {
		return nil, nil
	}
	return []Change{{Path: "README.md", Content: updated}}, nil
}
