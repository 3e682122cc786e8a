// Package domaininfo implements a domain information database, to keep
// track of the strongest TLS assurance ever achieved against a domain, so
// a later attempt can never silently downgrade below what was seen
// before.
package domaininfo

import (
	"fmt"
	"sync"

	"ogn.dev/smtpsender/internal/entitystore"
	"ogn.dev/smtpsender/internal/message"
	"ogn.dev/smtpsender/internal/trace"
)

const kind = "domaininfo"
const storeRoot = "domaininfo-root"

// domainRecord is the persisted per-domain record.
type domainRecord struct {
	Name              string
	OutgoingAssurance message.TLSRequirement
}

// DB represents the persistent domain information database.
type DB struct {
	store *entitystore.Store

	info map[string]*domainRecord
	sync.Mutex
}

// New opens a domain information database backed by store. The returned
// database is already loaded.
func New(store *entitystore.Store) (*DB, error) {
	db := &DB{
		store: store,
		info:  map[string]*domainRecord{},
	}

	if err := db.Reload(); err != nil {
		return nil, err
	}
	return db, nil
}

// Reload the database from the entity store.
func (db *DB) Reload() error {
	tr := trace.New("DomainInfo.Reload", "reload")
	defer tr.Finish()

	db.Lock()
	defer db.Unlock()

	db.info = map[string]*domainRecord{}

	ids := db.store.ChildrenOfKind(storeRoot, kind)
	for _, id := range ids {
		d := &domainRecord{}
		if ok, err := db.store.Get(id, d); err != nil {
			tr.Errorf("id %q: %v", id, err)
			return fmt.Errorf("domaininfo: loading %q: %w", id, err)
		} else if ok {
			db.info[d.Name] = d
		}
	}

	tr.Debugf("loaded %d domains", len(ids))
	return nil
}

func (db *DB) write(d *domainRecord) {
	tr := trace.New("DomainInfo.write", d.Name)
	defer tr.Finish()

	if err := db.store.Put(kind, d.Name, storeRoot, d); err != nil {
		tr.Error(err)
	} else {
		tr.Debugf("saved")
	}
}

// Ratchet records the TLS assurance level achieved for an attempt against
// domain. It returns true and raises the stored level if achieved is
// higher than (or equal to) what was previously recorded, or false if
// achieved is a downgrade from a level already seen for this domain.
func (db *DB) Ratchet(domain string, achieved message.TLSRequirement) bool {
	tr := trace.New("DomainInfo.Ratchet", domain)
	defer tr.Finish()
	tr.Debugf("achieved %s", achieved)

	db.Lock()
	defer db.Unlock()

	d, exists := db.info[domain]
	if !exists {
		d = &domainRecord{Name: domain}
		db.info[domain] = d
		defer db.write(d)
	}

	if achieved < d.OutgoingAssurance {
		tr.Errorf("%s denied: %s < %s", domain, achieved, d.OutgoingAssurance)
		return false
	} else if achieved == d.OutgoingAssurance {
		tr.Debugf("%s unchanged: %s", domain, achieved)
		return true
	}

	tr.Printf("%s raised: %s > %s", domain, achieved, d.OutgoingAssurance)
	d.OutgoingAssurance = achieved
	if exists {
		defer db.write(d)
	}
	return true
}

// OutgoingAssurance returns the previously-ratcheted assurance level for
// domain, or NoTls if nothing has been recorded yet.
func (db *DB) OutgoingAssurance(domain string) message.TLSRequirement {
	db.Lock()
	defer db.Unlock()
	if d, ok := db.info[domain]; ok {
		return d.OutgoingAssurance
	}
	return message.NoTls
}
