// Package entitystore implements a transactional, file-backed entity
// store: durable key/value persistence with typed parent/child
// relationships, adapted from chasquid's internal/protoio (atomic
// marshal-to-file helpers) and internal/domaininfo (in-memory index
// reloaded from a directory, guarded by a single mutex).
//
// Unlike chasquid's protoio, which round-trips protocol buffers, records
// here are plain Go values serialized with encoding/json: hand-writing
// the generated code protobuf needs (without running protoc) would mean
// fabricating it, so the wire format here is JSON instead, kept atomic
// the same way chasquid's internal/safeio does it.
package entitystore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"ogn.dev/smtpsender/internal/safeio"
)

// record is the on-disk envelope for one entity.
type record struct {
	Kind     string          `json:"kind"`
	ID       string          `json:"id"`
	ParentID string          `json:"parent_id,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// Store is a directory-backed entity store. One file is written per
// entity; the in-memory index is rebuilt from the directory on Load, and
// kept consistent with the files as writes happen.
type Store struct {
	dir string

	mu  sync.RWMutex
	byID map[string]*record
}

// New opens (creating if necessary) an entity store rooted at dir. It
// does not load existing entities; call Load for that.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("entitystore: creating %q: %w", dir, err)
	}
	return &Store{dir: dir, byID: map[string]*record{}}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, "e-"+id+".json")
}

// Load rebuilds the in-memory index from the files on disk. It is meant
// to be called once at startup, mirroring domaininfo.DB.Reload.
func (s *Store) Load() error {
	files, err := filepath.Glob(filepath.Join(s.dir, "e-*.json"))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = map[string]*record{}

	for _, fname := range files {
		raw, err := os.ReadFile(fname)
		if err != nil {
			return fmt.Errorf("entitystore: reading %q: %w", fname, err)
		}
		r := &record{}
		if err := json.Unmarshal(raw, r); err != nil {
			return fmt.Errorf("entitystore: decoding %q: %w", fname, err)
		}
		s.byID[r.ID] = r
	}
	return nil
}

// Put stores v under id, associated with kind and (optionally) parentID.
// It is equivalent to a single-entity exclusive transaction.
func (s *Store) Put(kind, id, parentID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("entitystore: marshalling %s/%s: %w", kind, id, err)
	}
	r := &record{Kind: kind, ID: id, ParentID: parentID, Data: data}

	out, err := json.Marshal(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := safeio.WriteFile(s.path(id), out, 0600); err != nil {
		return fmt.Errorf("entitystore: writing %s/%s: %w", kind, id, err)
	}
	s.byID[id] = r
	return nil
}

// Get loads the entity stored under id into v. It reports whether the
// entity existed.
func (s *Store) Get(id string, v interface{}) (bool, error) {
	s.mu.RLock()
	r, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return true, err
	}
	return true, nil
}

// Delete removes the entity stored under id, if any.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ChildrenOfKind returns the IDs of all entities of the given kind with
// the given parentID, sorted for determinism.
func (s *Store) ChildrenOfKind(parentID, kind string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, r := range s.byID {
		if r.Kind == kind && r.ParentID == parentID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Tx is a handle to an in-progress transaction. Its methods are not safe
// for use outside the RunTx/RunTxExclusive callback that produced it.
type Tx struct {
	s *Store
}

// Get reads id into v within the transaction.
func (tx *Tx) Get(id string, v interface{}) (bool, error) {
	return tx.s.getLocked(id, v)
}

// Put writes v under id within the transaction.
func (tx *Tx) Put(kind, id, parentID string, v interface{}) error {
	return tx.s.putLocked(kind, id, parentID, v)
}

// Delete removes id within the transaction.
func (tx *Tx) Delete(id string) error {
	return tx.s.deleteLocked(id)
}

// ChildrenOfKind returns child IDs within the transaction.
func (tx *Tx) ChildrenOfKind(parentID, kind string) []string {
	var ids []string
	for id, r := range tx.s.byID {
		if r.Kind == kind && r.ParentID == parentID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) getLocked(id string, v interface{}) (bool, error) {
	r, ok := s.byID[id]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Store) putLocked(kind, id, parentID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r := &record{Kind: kind, ID: id, ParentID: parentID, Data: data}
	out, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := safeio.WriteFile(s.path(id), out, 0600); err != nil {
		return err
	}
	s.byID[id] = r
	return nil
}

func (s *Store) deleteLocked(id string) error {
	delete(s.byID, id)
	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// RunTx runs fn holding a shared (read) lock over the store, for
// operations that only read, or that perform writes which don't need to
// be serialized against other readers (e.g. scanning due messages before
// individually claiming one with RunTxExclusive).
func (s *Store) RunTx(fn func(tx *Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&Tx{s: s})
}

// RunTxExclusive runs fn holding an exclusive (write) lock over the
// store, for operations that mutate entities and must not interleave
// with any other transaction.
func (s *Store) RunTxExclusive(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&Tx{s: s})
}

// ProcessAllChildrenOfKind iterates, in batches of one transaction per
// call to fn, all children of parentID with the given kind, in a stable
// order. fn returns false to stop iteration early.
func (s *Store) ProcessAllChildrenOfKind(parentID, kind string, fn func(tx *Tx, id string) (bool, error)) error {
	ids := s.ChildrenOfKind(parentID, kind)
	for _, id := range ids {
		cont := true
		err := s.RunTx(func(tx *Tx) error {
			var err error
			cont, err = fn(tx, id)
			return err
		})
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return nil
}
