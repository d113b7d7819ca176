// Package store implements the Broker Config Store: a durable, JSON-backed
// collection of BrokerRecords plus the MainBrokerSettings singleton, with
// CRUD, change notification, and at-rest password encryption.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/erikarenhill/mqtt-multi-proxy/internal/secretcipher"
)

// Store is the authoritative, durable collection of BrokerRecords and the
// MainBrokerSettings. The zero value is not usable; construct with Open.
type Store struct {
	path     string
	cipher   *secretcipher.Cipher
	validate *validator.Validate

	mu    sync.RWMutex
	state persistedState

	subsMu sync.Mutex
	subs   map[uint64]chan ChangeEvent
	nextID atomic.Uint64
}

// Open loads the state file at path, creating an empty store if it does
// not yet exist.
func Open(path string, cipher *secretcipher.Cipher) (*Store, error) {
	s := &Store{
		path:     path,
		cipher:   cipher,
		validate: validator.New(),
		subs:     make(map[uint64]chan ChangeEvent),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.state = persistedState{Brokers: []BrokerRecord{}}
			return s, nil
		}
		return nil, fmt.Errorf("store: read state file: %w", err)
	}

	var state persistedState
	if err := sonic.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("store: corrupt state file: %w", err)
	}
	if state.Brokers == nil {
		state.Brokers = []BrokerRecord{}
	}
	s.state = state
	return s, nil
}

// List returns every broker record with its password field cleared —
// passwords are never returned to callers.
func (s *Store) List() []BrokerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]BrokerRecord, len(s.state.Brokers))
	copy(out, s.state.Brokers)
	for i := range out {
		out[i].Password = ""
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a single record by id, password cleared.
func (s *Store) Get(id string) (BrokerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, _, err := s.find(id)
	if err != nil {
		return BrokerRecord{}, err
	}
	rec.Password = ""
	return rec, nil
}

// find must be called with s.mu held (read or write).
func (s *Store) find(id string) (BrokerRecord, int, error) {
	for i, r := range s.state.Brokers {
		if r.ID == id {
			return r, i, nil
		}
	}
	return BrokerRecord{}, -1, ErrNotFound
}

func (s *Store) nameTaken(name string, excludeID string) bool {
	for _, r := range s.state.Brokers {
		if r.Name == name && r.ID != excludeID {
			return true
		}
	}
	return false
}

// Create validates draft, encrypts its password, assigns a new id, persists
// and broadcasts a Created event.
func (s *Store) Create(draft BrokerDraft) (BrokerRecord, error) {
	if err := s.validate.Struct(draft); err != nil {
		return BrokerRecord{}, &ValidationError{Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nameTaken(draft.Name, "") {
		return BrokerRecord{}, ErrDuplicateName
	}

	ciphertext, err := s.cipher.Encrypt(draft.Password)
	if err != nil {
		return BrokerRecord{}, fmt.Errorf("store: encrypt password: %w", err)
	}

	rec := BrokerRecord{
		ID:                 uuid.NewString(),
		Name:               draft.Name,
		Address:            draft.Address,
		Port:               draft.Port,
		ClientIDPrefix:     draft.ClientIDPrefix,
		Username:           draft.Username,
		Password:           ciphertext,
		UseTLS:             draft.UseTLS,
		InsecureSkipVerify: draft.InsecureSkipVerify,
		Bidirectional:      draft.Bidirectional,
		Topics:             draft.Topics,
		SubscriptionTopics: draft.SubscriptionTopics,
		Enabled:            draft.Enabled,
		Revision:           1,
	}

	s.state.Brokers = append(s.state.Brokers, rec)
	if err := s.persistLocked(); err != nil {
		s.state.Brokers = s.state.Brokers[:len(s.state.Brokers)-1]
		return BrokerRecord{}, &PersistenceError{Err: err}
	}

	s.broadcast(ChangeEvent{Kind: Created, ID: rec.ID, Record: redacted(rec)})
	rec.Password = ""
	return rec, nil
}

// Update applies patch to the record identified by id, honoring the
// retain-password sentinel, and increments its revision on success.
func (s *Store) Update(id string, patch BrokerPatch) (BrokerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, idx, err := s.find(id)
	if err != nil {
		return BrokerRecord{}, err
	}

	applyPatch(&rec, patch)

	if patch.Name != nil && s.nameTaken(rec.Name, id) {
		return BrokerRecord{}, ErrDuplicateName
	}

	if patch.Password != nil {
		if secretcipher.IsRetainSentinel(*patch.Password) {
			// keep rec.Password as-is (already carried over from the pre-patch record)
		} else {
			ciphertext, err := s.cipher.Encrypt(*patch.Password)
			if err != nil {
				return BrokerRecord{}, fmt.Errorf("store: encrypt password: %w", err)
			}
			rec.Password = ciphertext
		}
	}

	draftView := draftFromRecord(rec)
	if err := s.validate.Struct(draftView); err != nil {
		return BrokerRecord{}, &ValidationError{Err: err}
	}

	rec.Revision++
	previous := s.state.Brokers[idx]
	s.state.Brokers[idx] = rec

	if err := s.persistLocked(); err != nil {
		s.state.Brokers[idx] = previous
		return BrokerRecord{}, &PersistenceError{Err: err}
	}

	s.broadcast(ChangeEvent{Kind: Updated, ID: rec.ID, Record: redacted(rec)})
	rec.Password = ""
	return rec, nil
}

// Delete removes the record identified by id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, idx, err := s.find(id)
	if err != nil {
		return err
	}

	previous := make([]BrokerRecord, len(s.state.Brokers))
	copy(previous, s.state.Brokers)

	s.state.Brokers = append(s.state.Brokers[:idx:idx], s.state.Brokers[idx+1:]...)

	if err := s.persistLocked(); err != nil {
		s.state.Brokers = previous
		return &PersistenceError{Err: err}
	}

	s.broadcast(ChangeEvent{Kind: Deleted, ID: id})
	return nil
}

// Toggle is shorthand for updating only the Enabled field.
func (s *Store) Toggle(id string, enabled bool) error {
	_, err := s.Update(id, BrokerPatch{Enabled: &enabled})
	return err
}

// MainBroker returns the singleton upstream broker settings, password
// cleared.
func (s *Store) MainBroker() MainBrokerSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mb := s.state.MainBroker
	mb.Password = ""
	return mb
}

// UpdateMainBroker overwrites the main broker settings, honoring the
// retain-password sentinel.
func (s *Store) UpdateMainBroker(next MainBrokerSettings) (MainBrokerSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !secretcipher.IsRetainSentinel(next.Password) {
		ciphertext, err := s.cipher.Encrypt(next.Password)
		if err != nil {
			return MainBrokerSettings{}, fmt.Errorf("store: encrypt password: %w", err)
		}
		next.Password = ciphertext
	} else {
		next.Password = s.state.MainBroker.Password
	}

	previous := s.state.MainBroker
	next.Revision = previous.Revision + 1
	s.state.MainBroker = next

	if err := s.persistLocked(); err != nil {
		s.state.MainBroker = previous
		return MainBrokerSettings{}, &PersistenceError{Err: err}
	}

	out := next
	out.Password = ""
	return out, nil
}

// DecryptPassword decrypts ciphertext for internal use by the broker
// clients when connecting. On failure, per spec.md §4.1/§7, it logs a
// warning and returns an empty password rather than failing the caller.
func (s *Store) DecryptPassword(ciphertext string) string {
	plaintext, err := s.cipher.Decrypt(ciphertext)
	if err != nil {
		slog.Warn("failed to decrypt stored password, continuing with empty credential", "err", err)
		return ""
	}
	return plaintext
}

// Subscribe registers a new change-stream observer (the Connection
// Manager's reconciler). The returned unsubscribe function must be called
// exactly once when the subscriber is done.
func (s *Store) Subscribe() (<-chan ChangeEvent, func()) {
	id := s.nextID.Add(1)
	ch := make(chan ChangeEvent, 64)

	s.subsMu.Lock()
	s.subs[id] = ch
	s.subsMu.Unlock()

	unsubscribe := func() {
		s.subsMu.Lock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
		s.subsMu.Unlock()
	}
	return ch, unsubscribe
}

// broadcast must be called with s.mu held.
func (s *Store) broadcast(evt ChangeEvent) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			slog.Warn("change-stream subscriber backlog full, dropping event", "kind", evt.Kind, "id", evt.ID)
		}
	}
}

// persistLocked writes the full state to a temp file and atomically
// renames it into place. Must be called with s.mu held for writing.
func (s *Store) persistLocked() error {
	data, err := sonic.Marshal(s.state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	ok = true
	return nil
}

// redacted returns rec with its password cleared, for inclusion in change
// events observers might log.
func redacted(rec BrokerRecord) BrokerRecord {
	rec.Password = ""
	return rec
}

// applyPatch overwrites only the fields patch sets.
func applyPatch(rec *BrokerRecord, patch BrokerPatch) {
	if patch.Name != nil {
		rec.Name = *patch.Name
	}
	if patch.Address != nil {
		rec.Address = *patch.Address
	}
	if patch.Port != nil {
		rec.Port = *patch.Port
	}
	if patch.ClientIDPrefix != nil {
		rec.ClientIDPrefix = *patch.ClientIDPrefix
	}
	if patch.Username != nil {
		rec.Username = *patch.Username
	}
	if patch.UseTLS != nil {
		rec.UseTLS = *patch.UseTLS
	}
	if patch.InsecureSkipVerify != nil {
		rec.InsecureSkipVerify = *patch.InsecureSkipVerify
	}
	if patch.Bidirectional != nil {
		rec.Bidirectional = *patch.Bidirectional
	}
	if patch.Topics != nil {
		rec.Topics = *patch.Topics
	}
	if patch.SubscriptionTopics != nil {
		rec.SubscriptionTopics = *patch.SubscriptionTopics
	}
	if patch.Enabled != nil {
		rec.Enabled = *patch.Enabled
	}
}

// draftFromRecord re-derives a BrokerDraft view for validation purposes
// (the draft's required-field tags apply equally to a fully-applied patch).
func draftFromRecord(rec BrokerRecord) BrokerDraft {
	return BrokerDraft{
		Name:               rec.Name,
		Address:            rec.Address,
		Port:               rec.Port,
		ClientIDPrefix:     rec.ClientIDPrefix,
		Username:           rec.Username,
		Password:           "ignored", // already encrypted; skip password presence validation here
		UseTLS:             rec.UseTLS,
		InsecureSkipVerify: rec.InsecureSkipVerify,
		Bidirectional:      rec.Bidirectional,
		Topics:             rec.Topics,
		SubscriptionTopics: rec.SubscriptionTopics,
		Enabled:            rec.Enabled,
	}
}
