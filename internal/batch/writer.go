// Package batch turns component mutations into composite graph calls
// against the remote store.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/schaermu/metasyncd/internal/diff"
	"github.com/schaermu/metasyncd/internal/metadata"
	"github.com/schaermu/metasyncd/internal/remote"
)

// Op is the kind of a mutation.
type Op int

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Mutation is one component change to send to the remote.
type Mutation struct {
	Op        Op
	Component metadata.Component     // insert, update
	Remote    remote.ComponentRecord // update, delete
}

// Stamp identifies the commit a batch of mutations belongs to. When
// CommitRecordID is set every history entry is linked to that record.
type Stamp struct {
	Commit         string
	CommitRecordID string
}

// Result summarizes an Apply call.
type Result struct {
	Inserted int
	Updated  int
	Deleted  int
	Skipped  int
	Calls    int
}

// Writer applies change sets to the remote store of one branch. It keeps the
// ids of components it created so later mutations in the same run can refer
// to them.
type Writer struct {
	store   remote.Store
	target  remote.Target
	opts    Options
	pending *PendingRefs
	logger  *slog.Logger
	seq     int
	graphs  int
}

// NewWriter creates a batch writer for one sync run
func NewWriter(store remote.Store, target remote.Target, opts Options, logger *slog.Logger) *Writer {
	return &Writer{
		store:   store,
		target:  target,
		opts:    opts.withDefaults(),
		pending: NewPendingRefs(),
		logger:  logger,
	}
}

// Pending returns the references resolved so far in this run.
func (w *Writer) Pending() *PendingRefs {
	return w.pending
}

// Mutations flattens a change set into inserts, updates and deletes.
func Mutations(cs diff.ChangeSet) []Mutation {
	muts := make([]Mutation, 0, cs.Len())
	for _, c := range cs.Inserted {
		muts = append(muts, Mutation{Op: OpInsert, Component: c})
	}
	for _, u := range cs.Updated {
		muts = append(muts, Mutation{Op: OpUpdate, Component: u.Component, Remote: u.Remote})
	}
	for _, r := range cs.Deleted {
		muts = append(muts, Mutation{Op: OpDelete, Remote: r})
	}
	return muts
}

// Apply sends a change set to the remote. Any failed graph aborts with a
// *GraphError; a chunk that cannot fit a call aborts with a
// *PayloadTooLargeError before anything is sent.
func (w *Writer) Apply(ctx context.Context, cs diff.ChangeSet, stamp Stamp) (Result, error) {
	var res Result
	muts := Mutations(cs)

	var (
		kept   []Mutation
		chains [][]remote.Node
		refs   []string
	)
	for _, m := range muts {
		m, ok := w.resolve(m)
		if !ok {
			w.logger.Warn("skipping mutation without remote id", "op", m.Op, "type", m.Remote.Type, "name", m.Remote.Name)
			res.Skipped++
			continue
		}
		nodes, ref, err := w.nodes(m, stamp)
		if err != nil {
			return res, err
		}
		kept = append(kept, m)
		chains = append(chains, nodes)
		refs = append(refs, ref)
	}
	if len(chains) == 0 {
		return res, nil
	}

	calls, err := Pack(chains, w.opts, w.nextGraphID)
	if err != nil {
		return res, err
	}

	for _, call := range calls {
		resp, err := w.store.SubmitGraphs(ctx, call.Request)
		if err != nil {
			return res, err
		}
		res.Calls++
		if ge := newGraphError(call.Request, resp); ge != nil {
			return res, ge
		}

		created := make(map[string]string)
		for _, g := range resp.Graphs {
			for _, r := range g.GraphResponse.CompositeResponse {
				if id := r.CreatedID(); id != "" {
					created[r.ReferenceID] = id
				}
			}
		}
		for _, i := range call.Mutations {
			w.record(kept[i], refs[i], created, &res)
		}
		w.logger.Debug("graph call applied", "graphs", len(call.Request.Graphs), "mutations", len(call.Mutations))
	}

	return res, nil
}

// resolve fills in the remote id of updates and deletes from the pending
// references when the record was created earlier in the run.
func (w *Writer) resolve(m Mutation) (Mutation, bool) {
	if m.Op == OpInsert || m.Remote.ID != "" {
		return m, true
	}
	typ, name := m.Remote.Type, m.Remote.Name
	if m.Op == OpUpdate {
		typ, name = m.Component.Type, m.Component.Name
	}
	ref, ok := w.pending.Lookup(typ, name)
	if !ok {
		return m, false
	}
	m.Remote.ID = ref.ResolvedID
	m.Remote.Version = ref.Version
	m.Remote.Type, m.Remote.Name = ref.Type, ref.Name
	return m, true
}

func (w *Writer) record(m Mutation, ref string, created map[string]string, res *Result) {
	switch m.Op {
	case OpInsert:
		res.Inserted++
		w.pending.Add(PendingRef{
			Reference:  ref,
			ResolvedID: created[ref],
			Name:       m.Component.Name,
			Type:       m.Component.Type,
			Version:    1,
		})
	case OpUpdate:
		res.Updated++
		w.pending.Add(PendingRef{
			Reference:  ref,
			ResolvedID: m.Remote.ID,
			Name:       m.Component.Name,
			Type:       m.Component.Type,
			Version:    m.Remote.Version + 1,
		})
	case OpDelete:
		res.Deleted++
		w.pending.Forget(m.Remote.Type, m.Remote.Name)
	}
}

// nodes builds the linked sub-requests of one mutation and returns the
// reference of its component node.
func (w *Writer) nodes(m Mutation, stamp Stamp) ([]remote.Node, string, error) {
	w.seq++
	n := strconv.Itoa(w.seq)
	compRef, histRef, attRef, linkRef := "c"+n, "h"+n, "a"+n, "l"+n
	v := w.opts.APIVersion

	if m.Op == OpDelete {
		return []remote.Node{{
			Method:      http.MethodDelete,
			URL:         remote.SObjectPath(v, remote.ObjectComponent, m.Remote.ID),
			ReferenceID: compRef,
		}}, compRef, nil
	}

	zip, err := m.Component.Zip()
	if err != nil {
		return nil, "", fmt.Errorf("failed to pack %s %s: %w", m.Component.Type, m.Component.Name, err)
	}

	var (
		comp        remote.Node
		componentID string
		version     int
	)
	if m.Op == OpInsert {
		version = 1
		componentID = "@{" + compRef + ".id}"
		comp = remote.Node{
			Method:      http.MethodPost,
			URL:         remote.SObjectPath(v, remote.ObjectComponent, ""),
			ReferenceID: compRef,
		}
		comp.Body, err = json.Marshal(remote.ComponentFields{
			Name:        m.Component.Name,
			Type:        m.Component.Type,
			FileName:    m.Component.FilePath,
			Fingerprint: m.Component.Fingerprint,
			Version:     version,
			Branch:      w.target.BranchID,
		})
	} else {
		version = m.Remote.Version + 1
		componentID = m.Remote.ID
		comp = remote.Node{
			Method:      http.MethodPatch,
			URL:         remote.SObjectPath(v, remote.ObjectComponent, m.Remote.ID),
			ReferenceID: compRef,
		}
		comp.Body, err = json.Marshal(remote.ComponentFields{
			FileName:    m.Component.FilePath,
			Fingerprint: m.Component.Fingerprint,
			Version:     version,
		})
	}
	if err != nil {
		return nil, "", err
	}

	hist := remote.Node{
		Method:      http.MethodPost,
		URL:         remote.SObjectPath(v, remote.ObjectHistory, ""),
		ReferenceID: histRef,
	}
	if hist.Body, err = json.Marshal(remote.HistoryFields{
		Component:   componentID,
		Version:     version,
		Fingerprint: m.Component.Fingerprint,
		Commit:      stamp.Commit,
	}); err != nil {
		return nil, "", err
	}

	att := remote.Node{
		Method:      http.MethodPost,
		URL:         remote.SObjectPath(v, remote.ObjectAttachment, ""),
		ReferenceID: attRef,
	}
	if att.Body, err = json.Marshal(remote.NewAttachment(m.Component.Name, zip, "@{"+histRef+".id}")); err != nil {
		return nil, "", err
	}

	nodes := []remote.Node{comp, hist, att}
	if stamp.CommitRecordID != "" {
		link := remote.Node{
			Method:      http.MethodPost,
			URL:         remote.SObjectPath(v, remote.ObjectLink, ""),
			ReferenceID: linkRef,
		}
		if link.Body, err = json.Marshal(remote.LinkFields{Commit: stamp.CommitRecordID, History: "@{" + histRef + ".id}"}); err != nil {
			return nil, "", err
		}
		nodes = append(nodes, link)
	}
	return nodes, compRef, nil
}

func (w *Writer) nextGraphID() string {
	w.graphs++
	return "g" + strconv.Itoa(w.graphs)
}
