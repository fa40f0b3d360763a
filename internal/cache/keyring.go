package cache

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/zalando/go-keyring"
)

// KeyringStorage persists the cache as one serialized document in the OS
// keyring (Keychain, Secret Service, Credential Manager). Keyring items
// have tight size limits on some platforms, so the whole cache is stored as
// a single JSON document rather than one item per record.
type KeyringStorage struct {
	mu      sync.Mutex
	service string
	user    string
}

// NewKeyringStorage creates a keyring-backed store. service and user select
// the keyring item; callers that share a cache across binaries must agree
// on both.
func NewKeyringStorage(service, user string) *KeyringStorage {
	return &KeyringStorage{service: service, user: user}
}

func (k *KeyringStorage) load() (map[string]string, error) {
	doc, err := keyring.Get(k.service, k.user)
	if errors.Is(err, keyring.ErrNotFound) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, err
	}
	entries := make(map[string]string)
	if err := json.Unmarshal([]byte(doc), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (k *KeyringStorage) flush(entries map[string]string) error {
	doc, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return keyring.Set(k.service, k.user, string(doc))
}

// Get returns the value for key and whether it was present.
func (k *KeyringStorage) Get(key string) (string, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entries, err := k.load()
	if err != nil {
		return "", false, err
	}
	v, ok := entries[key]
	return v, ok, nil
}

// Put stores value under key.
func (k *KeyringStorage) Put(key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	entries, err := k.load()
	if err != nil {
		return err
	}
	entries[key] = value
	return k.flush(entries)
}

// Remove deletes key.
func (k *KeyringStorage) Remove(key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	entries, err := k.load()
	if err != nil {
		return err
	}
	delete(entries, key)
	return k.flush(entries)
}

// GetAll returns a snapshot copy of every entry.
func (k *KeyringStorage) GetAll() (map[string]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.load()
}
