package cache

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/chacha20poly1305"

	"authcore/pkg/logging"
)

// FileStorage persists the cache as a single encrypted document on disk.
// The document is sealed with XChaCha20-Poly1305 under a caller-provided
// 32-byte key; the platform key store that protects that key is outside
// this package.
//
// The file is watched with fsnotify so that another process writing the
// shared cache invalidates this process's in-memory copy.
type FileStorage struct {
	mu      sync.Mutex
	path    string
	key     []byte
	entries map[string]string
	loaded  bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileStorage opens (or creates on first write) an encrypted cache file.
// key must be exactly 32 bytes.
func NewFileStorage(path string, key []byte) (*FileStorage, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("file storage key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}

	fs := &FileStorage{
		path: path,
		key:  append([]byte(nil), key...),
		done: make(chan struct{}),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	fs.watcher = watcher
	go fs.watchLoop()

	return fs, nil
}

// Close stops the change watcher.
func (f *FileStorage) Close() error {
	close(f.done)
	return f.watcher.Close()
}

func (f *FileStorage) watchLoop() {
	for {
		select {
		case <-f.done:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if event.Name == f.path && event.Op.Has(fsnotify.Write|fsnotify.Create|fsnotify.Remove) {
				f.mu.Lock()
				f.loaded = false
				f.mu.Unlock()
				logging.Debug(logSubsystem, "cache file changed on disk, in-memory copy invalidated")
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn(logSubsystem, "cache file watcher error: %v", err)
		}
	}
}

// Get returns the value for key and whether it was present.
func (f *FileStorage) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return "", false, err
	}
	v, ok := f.entries[key]
	return v, ok, nil
}

// Put stores value under key and flushes the document to disk.
func (f *FileStorage) Put(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return err
	}
	f.entries[key] = value
	return f.flushLocked()
}

// Remove deletes key and flushes the document to disk.
func (f *FileStorage) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return err
	}
	delete(f.entries, key)
	return f.flushLocked()
}

// GetAll returns a snapshot copy of every entry.
func (f *FileStorage) GetAll() (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return nil, err
	}
	snapshot := make(map[string]string, len(f.entries))
	for k, v := range f.entries {
		snapshot[k] = v
	}
	return snapshot, nil
}

func (f *FileStorage) loadLocked() error {
	if f.loaded {
		return nil
	}

	sealed, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		f.entries = make(map[string]string)
		f.loaded = true
		return nil
	}
	if err != nil {
		return err
	}

	plaintext, err := f.open(sealed)
	if err != nil {
		return fmt.Errorf("decrypting cache file %s: %w", f.path, err)
	}

	entries := make(map[string]string)
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		return fmt.Errorf("parsing cache file %s: %w", f.path, err)
	}

	f.entries = entries
	f.loaded = true
	return nil
}

func (f *FileStorage) flushLocked() error {
	plaintext, err := json.Marshal(f.entries)
	if err != nil {
		return err
	}

	sealed, err := f.seal(plaintext)
	if err != nil {
		return err
	}

	// Write-then-rename so readers in other processes never see a torn file.
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStorage) seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(f.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (f *FileStorage) open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(f.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("sealed document too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}
