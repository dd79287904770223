// Package diff classifies parsed components against the records stored
// remotely.
package diff

import (
	"sort"

	"github.com/schaermu/metasyncd/internal/metadata"
	"github.com/schaermu/metasyncd/internal/remote"
)

// Update pairs a changed component with the record it replaces.
type Update struct {
	Component metadata.Component
	Remote    remote.ComponentRecord
}

// ChangeSet is the insert/update/delete classification of one change.
type ChangeSet struct {
	Inserted []metadata.Component
	Updated  []Update
	Deleted  []remote.ComponentRecord
}

// Len returns the number of mutations in the change set.
func (cs ChangeSet) Len() int {
	return len(cs.Inserted) + len(cs.Updated) + len(cs.Deleted)
}

// Empty reports whether the change set holds no mutations.
func (cs ChangeSet) Empty() bool {
	return cs.Len() == 0
}

func recordKey(r remote.ComponentRecord) string {
	return metadata.Key(r.Type, r.Name)
}

// Classify compares the fresh components parsed from the changed paths with
// the remote records stored under those paths.
//
// A component without a record of the same name and type is an insert, one
// whose fingerprint differs from its record is an update. A record touched
// by a changed path that no fresh component matched is a delete. Records
// outside the changed paths are never classified.
func Classify(paths []string, fresh []metadata.Component, records []remote.ComponentRecord) ChangeSet {
	byKey := make(map[string]remote.ComponentRecord, len(records))
	for _, r := range records {
		byKey[recordKey(r)] = r
	}

	var cs ChangeSet
	matched := make(map[string]bool, len(fresh))
	for _, c := range fresh {
		key := c.Key()
		matched[key] = true
		r, ok := byKey[key]
		switch {
		case !ok:
			cs.Inserted = append(cs.Inserted, c)
		case r.Fingerprint != c.Fingerprint:
			cs.Updated = append(cs.Updated, Update{Component: c, Remote: r})
		}
	}

	seen := make(map[string]bool, len(records))
	for _, r := range records {
		key := recordKey(r)
		if matched[key] || seen[key] || !touched(paths, r.FileName) {
			continue
		}
		seen[key] = true
		cs.Deleted = append(cs.Deleted, r)
	}
	return cs
}

func touched(paths []string, fileName string) bool {
	for _, p := range paths {
		if metadata.PathTouches(p, fileName) {
			return true
		}
	}
	return false
}

// Accumulator merges the change sets of consecutive commits into one tick.
// Later commits win per component.
type Accumulator struct {
	inserts map[string]metadata.Component
	updates map[string]Update
	deletes map[string]remote.ComponentRecord
}

// NewAccumulator creates an empty accumulator
func NewAccumulator() *Accumulator {
	a := &Accumulator{}
	a.Reset()
	return a
}

// Reset drops everything accumulated so far.
func (a *Accumulator) Reset() {
	a.inserts = make(map[string]metadata.Component)
	a.updates = make(map[string]Update)
	a.deletes = make(map[string]remote.ComponentRecord)
}

// Count returns the number of accumulated mutations.
func (a *Accumulator) Count() int {
	return len(a.inserts) + len(a.updates) + len(a.deletes)
}

// Add merges the classification of one commit. fresh is every component
// parsed for the commit's paths, including unchanged ones, so pending
// mutations of components that have since disappeared or reverted can be
// dropped.
func (a *Accumulator) Add(paths []string, fresh []metadata.Component, cs ChangeSet) {
	present := make(map[string]metadata.Component, len(fresh))
	for _, c := range fresh {
		present[c.Key()] = c
	}

	for key, c := range a.inserts {
		if _, ok := present[key]; !ok && touched(paths, c.FilePath) {
			// created and removed within the tick, nothing to send
			delete(a.inserts, key)
		}
	}
	for key, u := range a.updates {
		c, ok := present[key]
		switch {
		case !ok && touched(paths, u.Component.FilePath):
			delete(a.updates, key)
			a.deletes[key] = u.Remote
		case ok && c.Fingerprint == u.Remote.Fingerprint:
			delete(a.updates, key)
		}
	}
	for key := range a.deletes {
		if _, ok := present[key]; ok {
			// restored; cs carries an update if it differs from the remote
			delete(a.deletes, key)
		}
	}

	for _, c := range cs.Inserted {
		a.inserts[c.Key()] = c
	}
	for _, u := range cs.Updated {
		key := u.Component.Key()
		delete(a.deletes, key)
		a.updates[key] = u
	}
	for _, r := range cs.Deleted {
		key := recordKey(r)
		delete(a.updates, key)
		a.deletes[key] = r
	}
}

// ChangeSet returns the accumulated mutations in a stable order.
func (a *Accumulator) ChangeSet() ChangeSet {
	var cs ChangeSet
	for _, key := range sortedKeys(a.inserts) {
		cs.Inserted = append(cs.Inserted, a.inserts[key])
	}
	for _, key := range sortedKeys(a.updates) {
		cs.Updated = append(cs.Updated, a.updates[key])
	}
	for _, key := range sortedKeys(a.deletes) {
		cs.Deleted = append(cs.Deleted, a.deletes[key])
	}
	return cs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
