package record

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileStore keeps one file per record in a directory. The file name is the
// key, the content is the owner PID and the modification time is the
// last-reset time, so `touch <dir>/<key>` is a valid reset.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating record directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the record directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the file backing key.
func (s *FileStore) Path(key string) string {
	return filepath.Join(s.dir, key)
}

// Create writes the record to a temporary file and hard-links it into place,
// so the record appears with its content complete and link(2) fails if the
// key already exists.
func (s *FileStore) Create(key string, ownerPID int) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+key+".tmp-")
	if err != nil {
		return fmt.Errorf("creating record: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := fmt.Fprintf(tmp, "%d\n", ownerPID); err != nil {
		tmp.Close()
		return fmt.Errorf("writing record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}

	if err := os.Link(tmpName, s.Path(key)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, key)
		}
		return fmt.Errorf("creating record: %w", err)
	}
	return nil
}

func (s *FileStore) Get(key string) (*Record, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	path := s.Path(key)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("reading record: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrCorrupt, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("reading record: %w", err)
	}

	line, _, _ := strings.Cut(string(data), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || pid <= 0 {
		return nil, fmt.Errorf("%w: %s has no owner pid", ErrCorrupt, path)
	}

	return &Record{Key: key, OwnerPID: pid, LastReset: info.ModTime()}, nil
}

func (s *FileStore) SetLastReset(key string, t time.Time) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := os.Chtimes(s.Path(key), t, t); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("resetting record: %w", err)
	}
	return nil
}

func (s *FileStore) Remove(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.Path(key)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("removing record: %w", err)
	}
	return nil
}

func (s *FileStore) List() ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}

	var records []*Record
	for _, entry := range entries {
		if entry.IsDir() || ValidateKey(entry.Name()) != nil {
			continue
		}
		rec, err := s.Get(entry.Name())
		if err != nil {
			continue // removed meanwhile, or not ours
		}
		records = append(records, rec)
	}
	return records, nil
}

// Watch watches the directory rather than the file so deletion and
// re-creation of the record are seen as well.
func (s *FileStore) Watch(key string) (Watcher, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := fw.Add(s.dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", s.dir, err)
	}

	w := &fileWatcher{
		fw:     fw,
		key:    key,
		events: make(chan struct{}, 1),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

type fileWatcher struct {
	fw     *fsnotify.Watcher
	key    string
	events chan struct{}
	errors chan error
	done   chan struct{}
	once   sync.Once
}

func (w *fileWatcher) loop() {
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == w.key {
				notify(w.events)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		case <-w.done:
			return
		}
	}
}

func (w *fileWatcher) Events() <-chan struct{} { return w.events }
func (w *fileWatcher) Errors() <-chan error    { return w.errors }

func (w *fileWatcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fw.Close()
	})
	return err
}
