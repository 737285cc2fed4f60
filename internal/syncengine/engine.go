// Package syncengine keeps a versioned record store synchronized with
// remote snapshots, detecting conflicts and resolving them by strategy.
package syncengine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one synchronized entry. Version increases strictly on every
// local write; Checksum is a pure function of Payload.
type Record struct {
	ID             string          `json:"id"`
	Version        int64           `json:"version"`
	LastModifiedAt time.Time       `json:"lastModifiedAt"`
	Checksum       string          `json:"checksum"`
	Source         string          `json:"source"`
	Payload        json.RawMessage `json:"payload"`
	Deleted        bool            `json:"deleted,omitempty"`
}

// ConflictKind classifies how local and remote disagree.
type ConflictKind string

const (
	ConflictVersion          ConflictKind = "version"
	ConflictConcurrentEdit   ConflictKind = "concurrent-edit"
	ConflictDeleteEdit       ConflictKind = "delete-edit"
	ConflictChecksumMismatch ConflictKind = "checksum-mismatch"
)

// Strategy selects how conflicts are resolved.
type Strategy string

const (
	StrategyLatestWins     Strategy = "latest-wins"
	StrategySourcePriority Strategy = "source-priority"
	StrategyMerge          Strategy = "merge"
	StrategyManual         Strategy = "manual"
)

// MergeFunc combines a conflicting pair into a winning record.
type MergeFunc func(local, remote Record) (Record, error)

// Conflict is a detected disagreement awaiting (or after) resolution.
type Conflict struct {
	ID         string       `json:"id"`
	Local      Record       `json:"local"`
	Remote     Record       `json:"remote"`
	Kind       ConflictKind `json:"kind"`
	Resolved   bool         `json:"resolved"`
	Resolution Strategy     `json:"resolution,omitempty"`
	DetectedAt time.Time    `json:"detectedAt"`
}

// SyncOptions tunes one SyncWithRemote session.
type SyncOptions struct {
	Strategy       Strategy
	SourcePriority []string // highest first, for StrategySourcePriority
	Merge          MergeFunc
	BatchSize      int
}

// ItemError records a single failed record without failing the session.
type ItemError struct {
	RecordID string `json:"recordId"`
	Message  string `json:"message"`
}

// SessionResult summarizes one sync session.
type SessionResult struct {
	SessionID string      `json:"sessionId"`
	Applied   int         `json:"applied"`
	Skipped   int         `json:"skipped"`
	Conflicts []*Conflict `json:"conflicts"`
	Errors    []ItemError `json:"errors"`
}

// ErrUnknownConflict is returned when resolving a conflict id that does not
// exist or is already resolved.
var ErrUnknownConflict = errors.New("unknown or resolved conflict")

const defaultBatchSize = 50

// Engine is the versioned store. Safe for concurrent use.
type Engine struct {
	mu        sync.Mutex
	records   map[string]Record
	conflicts map[string]*Conflict
	now       func() time.Time
}

// New creates an empty Engine.
func New() *Engine {
	return &Engine{
		records:   make(map[string]Record),
		conflicts: make(map[string]*Conflict),
		now:       time.Now,
	}
}

// checksum is the canonical payload digest.
func checksum(payload json.RawMessage) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Store writes a record locally, bumping its version.
func (e *Engine) Store(id, source string, payload json.RawMessage) Record {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := Record{
		ID:             id,
		Version:        1,
		LastModifiedAt: e.now(),
		Checksum:       checksum(payload),
		Source:         source,
		Payload:        payload,
	}
	if prev, ok := e.records[id]; ok {
		rec.Version = prev.Version + 1
	}
	e.records[id] = rec
	return rec
}

// Delete tombstones a record locally.
func (e *Engine) Delete(id, source string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, ok := e.records[id]
	if !ok {
		return Record{}, false
	}
	rec := Record{
		ID:             id,
		Version:        prev.Version + 1,
		LastModifiedAt: e.now(),
		Source:         source,
		Deleted:        true,
	}
	e.records[id] = rec
	return rec, true
}

// Get returns the local record for id.
func (e *Engine) Get(id string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[id]
	return rec, ok
}

// PendingConflicts lists unresolved conflicts awaiting operator action.
func (e *Engine) PendingConflicts() []*Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Conflict, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		if !c.Resolved {
			copied := *c
			out = append(out, &copied)
		}
	}
	return out
}

// SyncWithRemote applies a remote snapshot in bounded batches. A corrupt
// record fails only its own item, captured in the session's error list.
func (e *Engine) SyncWithRemote(remote []Record, source string, opts SyncOptions) SessionResult {
	if opts.Strategy == "" {
		opts.Strategy = StrategyLatestWins
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}

	result := SessionResult{SessionID: uuid.NewString()}
	for start := 0; start < len(remote); start += batch {
		end := start + batch
		if end > len(remote) {
			end = len(remote)
		}
		for _, rec := range remote[start:end] {
			e.syncOne(rec, source, opts, &result)
		}
	}
	if len(result.Errors) > 0 {
		log.Printf("syncengine: session %s finished with %d item errors", result.SessionID, len(result.Errors))
	}
	return result
}

func (e *Engine) syncOne(remote Record, source string, opts SyncOptions, result *SessionResult) {
	if remote.ID == "" {
		result.Errors = append(result.Errors, ItemError{Message: "record without id"})
		return
	}
	if remote.Source == "" {
		remote.Source = source
	}
	// A corrupt payload (declared checksum not matching content) is a bad
	// item, not a conflict.
	if len(remote.Payload) > 0 && remote.Checksum != "" && checksum(remote.Payload) != remote.Checksum {
		result.Errors = append(result.Errors, ItemError{
			RecordID: remote.ID,
			Message:  "payload checksum mismatch",
		})
		return
	}

	e.mu.Lock()
	local, exists := e.records[remote.ID]
	e.mu.Unlock()

	if !exists {
		e.apply(remote)
		result.Applied++
		return
	}

	verdict := detect(local, remote)
	switch verdict.outcome {
	case outcomeIdentical:
		result.Skipped++
		return
	case outcomeOverwrite:
		e.apply(remote)
		result.Applied++
		return
	}

	conflict := &Conflict{
		ID:         remote.ID,
		Local:      local,
		Remote:     remote,
		Kind:       verdict.kind,
		DetectedAt: e.now(),
	}
	winner, resolved := e.resolve(conflict, opts)
	if resolved {
		e.apply(winner)
		conflict.Resolved = true
		result.Applied++
	} else {
		conflict.Resolution = StrategyManual
		e.mu.Lock()
		e.conflicts[conflict.ID] = conflict
		e.mu.Unlock()
	}
	result.Conflicts = append(result.Conflicts, conflict)
}

type outcome int

const (
	outcomeIdentical outcome = iota
	outcomeOverwrite
	outcomeConflict
)

type verdict struct {
	outcome outcome
	kind    ConflictKind
}

// detect classifies the relationship between a local and a remote record.
func detect(local, remote Record) verdict {
	if local.Version == remote.Version && local.Checksum == remote.Checksum && local.Deleted == remote.Deleted {
		return verdict{outcome: outcomeIdentical}
	}
	if local.Deleted != remote.Deleted {
		return verdict{outcome: outcomeConflict, kind: ConflictDeleteEdit}
	}

	newerVersion := remote.Version > local.Version
	newerTime := remote.LastModifiedAt.After(local.LastModifiedAt)

	switch {
	case newerVersion && !remote.LastModifiedAt.Before(local.LastModifiedAt):
		// Strictly ahead on both axes: trivially ordered.
		return verdict{outcome: outcomeOverwrite}
	case newerVersion != newerTime:
		// Version ordering and wall-clock ordering disagree; neither side
		// can be trivially declared current.
		return verdict{outcome: outcomeConflict, kind: ConflictConcurrentEdit}
	case local.Version == remote.Version:
		return verdict{outcome: outcomeConflict, kind: ConflictChecksumMismatch}
	default:
		// Remote is behind on both axes.
		return verdict{outcome: outcomeConflict, kind: ConflictVersion}
	}
}

// resolve applies the session strategy. Auto-resolution failures fall back
// to manual (resolved=false).
func (e *Engine) resolve(c *Conflict, opts SyncOptions) (Record, bool) {
	switch opts.Strategy {
	case StrategyLatestWins:
		c.Resolution = StrategyLatestWins
		if c.Remote.LastModifiedAt.After(c.Local.LastModifiedAt) {
			return c.Remote, true
		}
		return c.Local, true
	case StrategySourcePriority:
		c.Resolution = StrategySourcePriority
		lr, rr := rank(opts.SourcePriority, c.Local.Source), rank(opts.SourcePriority, c.Remote.Source)
		if lr < 0 && rr < 0 {
			return Record{}, false
		}
		if rr >= 0 && (lr < 0 || rr < lr) {
			return c.Remote, true
		}
		return c.Local, true
	case StrategyMerge:
		if opts.Merge == nil {
			return Record{}, false
		}
		merged, err := opts.Merge(c.Local, c.Remote)
		if err != nil {
			log.Printf("syncengine: merge %s failed, falling back to manual: %v", c.ID, err)
			return Record{}, false
		}
		c.Resolution = StrategyMerge
		merged.ID = c.ID
		merged.Version = maxInt64(c.Local.Version, c.Remote.Version) + 1
		merged.LastModifiedAt = e.now()
		merged.Checksum = checksum(merged.Payload)
		return merged, true
	default: // StrategyManual
		return Record{}, false
	}
}

// ResolveConflict applies an operator-chosen winner for a pending conflict.
func (e *Engine) ResolveConflict(id string, winner Record) error {
	e.mu.Lock()
	conflict, ok := e.conflicts[id]
	if !ok || conflict.Resolved {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConflict, id)
	}
	conflict.Resolved = true
	conflict.Resolution = StrategyManual
	delete(e.conflicts, id)
	e.mu.Unlock()

	winner.ID = id
	winner.Version = maxInt64(conflict.Local.Version, conflict.Remote.Version) + 1
	winner.LastModifiedAt = e.now()
	if len(winner.Payload) > 0 {
		winner.Checksum = checksum(winner.Payload)
	}
	e.apply(winner)
	return nil
}

func (e *Engine) apply(rec Record) {
	e.mu.Lock()
	e.records[rec.ID] = rec
	e.mu.Unlock()
}

func rank(priority []string, source string) int {
	for i, s := range priority {
		if s == source {
			return i
		}
	}
	return -1
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
