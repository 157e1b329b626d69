// Package memory is the in-process Store adapter used by the test harness
// (testsuite) and by unit tests across the engine. It enforces the same
// append CAS as the postgres adapter (expectedNextSeq must equal tail+1),
// guarded by a mutex instead of a unique-constraint insert. Its retention
// checks are stricter: Archive refuses a run that has not reached a
// terminal status, and Append to an archived run fails with
// *core.ArchivedError.
package memory

import (
	"context"
	"sync"

	"github.com/adx-core/woc/internal/core"
	"github.com/adx-core/woc/internal/eventlog"
)

type execKey struct {
	workflowID string
	runID      string
}

type execRecord struct {
	events   []core.Event
	status   core.Status
	archived bool
}

type workflowIndex struct {
	currentRunID string
	status       core.Status
}

// Store is a mutex-guarded map-of-slices implementation of eventlog.Store.
type Store struct {
	mu         sync.Mutex
	executions map[execKey]*execRecord
	workflows  map[string]*workflowIndex
}

var _ eventlog.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		executions: make(map[execKey]*execRecord),
		workflows:  make(map[string]*workflowIndex),
	}
}

func (s *Store) Append(ctx context.Context, workflowID, runID string, expectedNextSeq int64, events []core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := execKey{workflowID, runID}
	rec, ok := s.executions[key]
	if !ok {
		rec = &execRecord{status: core.StatusRunning}
		s.executions[key] = rec
	}
	if rec.archived {
		return &core.ArchivedError{WorkflowID: workflowID, RunID: runID}
	}

	actualNextSeq := int64(len(rec.events)) + 1
	if expectedNextSeq != actualNextSeq {
		return &core.ConcurrentAppendError{
			WorkflowID:      workflowID,
			RunID:           runID,
			ExpectedNextSeq: expectedNextSeq,
			ActualNextSeq:   actualNextSeq,
		}
	}
	if len(rec.events) > 0 && rec.events[len(rec.events)-1].Kind.IsClose() {
		return &core.ExecutionClosedError{WorkflowID: workflowID, RunID: runID}
	}

	for i := range events {
		events[i].Seq = actualNextSeq + int64(i)
		rec.events = append(rec.events, events[i])
		if events[i].Kind.IsClose() {
			rec.status = closeStatus(events[i].Kind)
		}
	}

	if idx, ok := s.workflows[workflowID]; ok && idx.currentRunID == runID {
		idx.status = rec.status
	}
	return nil
}

func closeStatus(kind core.EventKind) core.Status {
	switch kind {
	case core.EventWorkflowCompleted:
		return core.StatusCompleted
	case core.EventWorkflowFailed:
		return core.StatusFailed
	case core.EventWorkflowCancelled:
		return core.StatusCancelled
	case core.EventWorkflowTimedOut:
		return core.StatusTimedOut
	case core.EventWorkflowContinuedAsNew:
		return core.StatusContinuedAsNew
	default:
		return core.StatusRunning
	}
}

func (s *Store) ReadRange(ctx context.Context, workflowID, runID string, fromSeq, toSeq int64) (*core.History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.executions[execKey{workflowID, runID}]
	if !ok {
		return &core.History{WorkflowID: workflowID, RunID: runID}, nil
	}
	if rec.archived {
		return nil, &core.ArchivedError{WorkflowID: workflowID, RunID: runID}
	}

	if fromSeq < 1 {
		fromSeq = 1
	}
	if toSeq <= 0 || toSeq > int64(len(rec.events)) {
		toSeq = int64(len(rec.events))
	}

	out := &core.History{WorkflowID: workflowID, RunID: runID}
	for _, e := range rec.events {
		if e.Seq >= fromSeq && e.Seq <= toSeq {
			out.Events = append(out.Events, e)
		}
	}
	return out, nil
}

func (s *Store) Tail(ctx context.Context, workflowID, runID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[execKey{workflowID, runID}]
	if !ok {
		return 0, nil
	}
	return int64(len(rec.events)), nil
}

func (s *Store) ClaimRun(ctx context.Context, workflowID, runID string, policy core.IDReusePolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.workflows[workflowID]
	if ok && policy == core.IDReusePolicyReject && !idx.status.IsTerminal() {
		return &core.ExecutionAlreadyExistsError{WorkflowID: workflowID, RunID: idx.currentRunID}
	}
	s.workflows[workflowID] = &workflowIndex{currentRunID: runID, status: core.StatusRunning}
	return nil
}

func (s *Store) LatestRun(ctx context.Context, workflowID string) (string, core.Status, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.workflows[workflowID]
	if !ok {
		return "", core.StatusUnspecified, false, nil
	}
	return idx.currentRunID, idx.status, true, nil
}

func (s *Store) SetStatus(ctx context.Context, workflowID, runID string, status core.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.executions[execKey{workflowID, runID}]; ok {
		rec.status = status
	}
	if idx, ok := s.workflows[workflowID]; ok && idx.currentRunID == runID {
		idx.status = status
	}
	return nil
}

func (s *Store) Archive(ctx context.Context, workflowID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[execKey{workflowID, runID}]
	if !ok {
		return &core.ExecutionNotFoundError{WorkflowID: workflowID, RunID: runID}
	}
	if !rec.status.IsTerminal() {
		return &core.ValidationError{Message: "cannot archive a running execution"}
	}
	rec.archived = true
	return nil
}
