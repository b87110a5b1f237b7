// Package devstore is the development dialect of spec.md §6's storage
// layer: a single JSON file on disk, guarded by a mutex, standing in for
// the relational schema the production pgstore implements. It exists so a
// single developer can run chengis end to end without a database.
package devstore

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/build"
)

// document is the entire dev store's on-disk shape.
type document struct {
	Jobs        map[string]build.Job        `json:"jobs"`
	BuildNumber map[string]int              `json:"build_numbers"`
	Builds      map[string]build.Build      `json:"builds"`
	StageRuns   []build.StageRun            `json:"stage_runs"`
	StepRuns    []build.StepRun             `json:"step_runs"`
	QueueItems  map[string]build.QueueItem  `json:"queue_items"`
	Events      []build.BuildEvent          `json:"events"`
}

func newDocument() *document {
	return &document{
		Jobs:        make(map[string]build.Job),
		BuildNumber: make(map[string]int),
		Builds:      make(map[string]build.Build),
		QueueItems:  make(map[string]build.QueueItem),
	}
}

// Store is a single-process, file-backed implementation of ports.JobStore,
// ports.BuildStore, ports.QueueStore, ports.LeaderStore, eventbus.Store,
// and agentregistry.Cache.
type Store struct {
	path string
	mu   sync.Mutex
	doc  *document
}

// Open loads path (if it exists) into memory, or starts from an empty
// document.
func Open(path string) (*Store, error) {
	s := &Store{path: path, doc: newDocument()}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, cherrors.Wrap(cherrors.CodeInternal, "open dev store file", err)
	}
	if err := json.Unmarshal(data, s.doc); err != nil {
		return nil, cherrors.Wrap(cherrors.CodeInternal, "parse dev store file", err)
	}
	if s.doc.Jobs == nil {
		s.doc.Jobs = make(map[string]build.Job)
	}
	if s.doc.BuildNumber == nil {
		s.doc.BuildNumber = make(map[string]int)
	}
	if s.doc.Builds == nil {
		s.doc.Builds = make(map[string]build.Build)
	}
	if s.doc.QueueItems == nil {
		s.doc.QueueItems = make(map[string]build.QueueItem)
	}
	return s, nil
}

// persist writes the document back to disk. Called with mu held.
func (s *Store) persist() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return cherrors.Wrap(cherrors.CodeInternal, "marshal dev store", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return cherrors.Wrap(cherrors.CodeInternal, "write dev store file", err)
	}
	return nil
}

// --- ports.JobStore ---

func (s *Store) GetJob(ctx context.Context, jobID string) (build.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.doc.Jobs[jobID]
	if !ok {
		return build.Job{}, cherrors.New(cherrors.CodeNotFound, "job not found").WithContext(map[string]interface{}{"job_id": jobID})
	}
	return j, nil
}

func (s *Store) PutJob(ctx context.Context, j build.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Jobs[j.ID] = j
	return s.persist()
}

func (s *Store) NextBuildNumber(ctx context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.BuildNumber[jobID]++
	n := s.doc.BuildNumber[jobID]
	return n, s.persist()
}

// --- ports.BuildStore ---

func (s *Store) CreateBuild(ctx context.Context, b build.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Builds[b.ID] = b
	return s.persist()
}

func (s *Store) UpdateBuild(ctx context.Context, b build.Build) error {
	return s.CreateBuild(ctx, b)
}

func (s *Store) GetBuild(ctx context.Context, buildID string) (build.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.doc.Builds[buildID]
	if !ok {
		return build.Build{}, cherrors.New(cherrors.CodeNotFound, "build not found").WithContext(map[string]interface{}{"build_id": buildID})
	}
	return b, nil
}

func (s *Store) RecordStageRun(ctx context.Context, run build.StageRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.StageRuns = append(s.doc.StageRuns, run)
	return s.persist()
}

func (s *Store) RecordStepRun(ctx context.Context, run build.StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.StepRuns = append(s.doc.StepRuns, run)
	return s.persist()
}

// BuildsAssignedToAgent implements orphanmonitor.BuildLookup.
func (s *Store) BuildsAssignedToAgent(ctx context.Context, agentID string) ([]build.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []build.Build
	for _, b := range s.doc.Builds {
		if b.AssignedAgentID != nil && *b.AssignedAgentID == agentID && !b.Status.IsTerminal() {
			out = append(out, b)
		}
	}
	return out, nil
}

// --- ports.QueueStore ---

func (s *Store) Insert(ctx context.Context, item build.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.QueueItems[item.ID] = item
	return s.persist()
}

func (s *Store) Get(ctx context.Context, itemID string) (build.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.doc.QueueItems[itemID]
	if !ok {
		return build.QueueItem{}, cherrors.New(cherrors.CodeNotFound, "queue item not found").WithContext(map[string]interface{}{"item_id": itemID})
	}
	return item, nil
}

func (s *Store) OldestReady(ctx context.Context, now time.Time) (build.QueueItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *build.QueueItem
	for id := range s.doc.QueueItems {
		item := s.doc.QueueItems[id]
		if item.Status != build.QueuePending {
			continue
		}
		if item.NextRetryAt != nil && item.NextRetryAt.After(now) {
			continue
		}
		if best == nil || item.CreatedAt.Before(best.CreatedAt) {
			copy := item
			best = &copy
		}
	}
	if best == nil {
		return build.QueueItem{}, false, nil
	}
	return *best, true, nil
}

func (s *Store) CompareAndSwapStatus(ctx context.Context, itemID string, expected, next build.QueueStatus, mutate func(*build.QueueItem)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.doc.QueueItems[itemID]
	if !ok {
		return false, cherrors.New(cherrors.CodeNotFound, "queue item not found").WithContext(map[string]interface{}{"item_id": itemID})
	}
	if item.Status != expected {
		return false, nil
	}
	item.Status = next
	if mutate != nil {
		mutate(&item)
	}
	s.doc.QueueItems[itemID] = item
	return true, s.persist()
}

func (s *Store) ListByStatusAndAgent(ctx context.Context, status build.QueueStatus, agentID string) ([]build.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []build.QueueItem
	for _, item := range s.doc.QueueItems {
		if item.Status != status {
			continue
		}
		if agentID != "" && (item.AssignedAgentID == nil || *item.AssignedAgentID != agentID) {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, status build.QueueStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, item := range s.doc.QueueItems {
		if item.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, item := range s.doc.QueueItems {
		if item.Status == build.QueueCompleted && item.CreatedAt.Before(cutoff) {
			delete(s.doc.QueueItems, id)
			n++
		}
	}
	return n, s.persist()
}

// --- ports.LeaderStore ---
// The development store's acquire always succeeds, per spec.md §4.12's
// single-process assumption: there is only ever one process contending.

func (s *Store) TryAcquire(ctx context.Context, lockID string) (bool, error) { return true, nil }
func (s *Store) Release(ctx context.Context, lockID string) error           { return nil }

// --- eventbus.Store ---

func (s *Store) Append(ctx context.Context, event build.BuildEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Events = append(s.doc.Events, event)
	return s.persist()
}

func (s *Store) Replay(ctx context.Context, buildID string, sinceID int64, limit int) ([]build.BuildEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []build.BuildEvent
	for _, e := range s.doc.Events {
		if e.BuildID != buildID || e.ID <= sinceID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- agentregistry.Cache ---

func (s *Store) Set(ctx context.Context, agentID string, data []byte) error {
	// Agents are not part of the dev store's durable document: spec.md §4.5
	// only requires surviving a restart for the production path; the dev
	// store's single-process model already keeps the in-memory registry
	// alive for the process lifetime.
	return nil
}

func (s *Store) Scan(ctx context.Context) (map[string][]byte, error) {
	return map[string][]byte{}, nil
}

func (s *Store) Delete(ctx context.Context, agentID string) error { return nil }
