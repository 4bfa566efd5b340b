package retrieve

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
)

// DefaultCorpusDirs are the corpus subdirectories, in load order.
var DefaultCorpusDirs = []string{"runbooks", "logs"}

// ErrEmptyCorpus is returned when no chunks could be loaded.
var ErrEmptyCorpus = errors.New("retrieval corpus is empty")

// LoadCorpus reads every regular file under dirs of fsys and splits it into
// chunks. Files are visited in lexical order so chunk order, and therefore
// tie-breaking, is stable across runs. Missing directories are skipped.
func LoadCorpus(fsys fs.FS, dirs []string) ([]Chunk, error) {
	var chunks []Chunk
	for _, dir := range dirs {
		var files []string
		err := fs.WalkDir(fsys, dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.Type().IsRegular() {
				files = append(files, p)
			}
			return nil
		})
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", dir, err)
		}
		sort.Strings(files)

		for _, p := range files {
			b, err := fs.ReadFile(fsys, p)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", p, err)
			}
			chunks = append(chunks, Split(path.Base(p), string(b))...)
		}
	}
	if len(chunks) == 0 {
		return nil, ErrEmptyCorpus
	}
	return chunks, nil
}
