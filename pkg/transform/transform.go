package transform

// Change is one file rewrite a transformer wants applied. Path is relative
// to the repository root; transformers never write files themselves, so the
// caller can route every change through the same guarded-write path as
// explicit file updates.
type Change struct {
	Path    string
	Content []byte
}

// Transformer computes repository-wide rewrites such as code formatting or
// documentation refreshes.
type Transformer interface {
	// Name identifies the transformer in logs and step outcomes.
	Name() string

	// Apply inspects the tree rooted at root and returns the rewrites it
	// wants, without touching the filesystem.
	Apply(root string) ([]Change, error)
}
