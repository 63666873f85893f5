package offline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore journals the queue as one JSON object per line, so unsent
// check-ins survive a device power cycle. Appends go straight to the file;
// removals rewrite through a temp file and rename so a crash mid-write
// never truncates the journal.
type FileStore struct {
	path string
}

// NewFileStore opens (creating if needed) a journal at path.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("queue dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("queue journal: %w", err)
	}
	_ = f.Close()
	return &FileStore{path: path}, nil
}

// Append writes one item to the tail of the journal.
func (fs *FileStore) Append(item QueuedIntent) error {
	f, err := os.OpenFile(fs.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	line, err := json.Marshal(item)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// Load reads the journal in FIFO order. Corrupt trailing lines (torn write
// at power loss) are dropped rather than failing the whole queue.
func (fs *FileStore) Load() ([]QueuedIntent, error) {
	f, err := os.Open(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var items []QueuedIntent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var item QueuedIntent
		if err := json.Unmarshal(line, &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, sc.Err()
}

// Remove deletes the first journaled item with a matching token, rewriting
// the journal atomically. The journal has a single writer (the device's own
// queue), so load-filter-rewrite is safe here in a way it is not for the
// shared Redis list.
func (fs *FileStore) Remove(item QueuedIntent) error {
	items, err := fs.Load()
	if err != nil {
		return err
	}
	kept := make([]QueuedIntent, 0, len(items))
	removed := false
	for _, it := range items {
		if !removed && it.Token == item.Token {
			removed = true
			continue
		}
		kept = append(kept, it)
	}
	if !removed {
		return nil
	}
	return fs.rewrite(kept)
}

// rewrite replaces the journal contents through a temp file and rename.
func (fs *FileStore) rewrite(items []QueuedIntent) error {
	tmp := fs.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, item := range items {
		line, err := json.Marshal(item)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, fs.path)
}
