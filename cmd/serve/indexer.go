package serve

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/ValentinKolb/dGrid/lib/indexing"
	"github.com/ValentinKolb/dGrid/lib/version"
	"github.com/cockroachdb/errors"
)

// fileIndexer appends every committed change to a JSON lines file
type fileIndexer struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

type indexLine struct {
	Op      string               `json:"op"`
	Key     string               `json:"key"`
	Value   []byte               `json:"value,omitempty"`
	Version version.EntryVersion `json:"version"`
}

func newFileIndexer(path string) (*fileIndexer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open index file %s", path)
	}
	return &fileIndexer{f: f, w: bufio.NewWriter(f)}, nil
}

func (x *fileIndexer) Index(_ context.Context, doc indexing.Document) error {
	b, err := json.Marshal(indexLine{Op: doc.Op.String(), Key: doc.Key, Value: doc.Value, Version: doc.Version})
	if err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, err := x.w.Write(append(b, '\n')); err != nil {
		return err
	}
	return x.w.Flush()
}

func (x *fileIndexer) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.w.Flush(); err != nil {
		_ = x.f.Close()
		return err
	}
	return x.f.Close()
}
