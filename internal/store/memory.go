package store

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/schema"
)

// MemoryStore implements Store with mutex-guarded maps. It backs tests and
// the ephemeral dev mode; error semantics match LibSQLStore exactly so the
// engine cannot tell the two apart.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions []*Definition
	executions  map[string]*Execution
	stepRuns    map[string]map[string]*StepRun
	decisions   map[string]*Decision
	schedules   map[string]*Schedule
	workers     map[string]*Worker
	events      map[string][]*ExecutionEvent
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*Execution),
		stepRuns:   make(map[string]map[string]*StepRun),
		decisions:  make(map[string]*Decision),
		schedules:  make(map[string]*Schedule),
		workers:    make(map[string]*Worker),
		events:     make(map[string][]*ExecutionEvent),
	}
}

// --- Definitions ---

func (s *MemoryStore) PutDefinition(_ context.Context, def *Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.definitions {
		if d.Name == def.Name && d.Version == def.Version {
			return schema.NewErrorf(schema.ErrCodeConflict, "definition %s@%s already published", def.Name, def.Version)
		}
	}
	cp := *def
	cp.CreatedAt = timeOrNow(def.CreatedAt)
	s.definitions = append(s.definitions, &cp)
	return nil
}

func (s *MemoryStore) GetDefinition(_ context.Context, name, version string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Definition
	for _, d := range s.definitions {
		if d.Name != name {
			continue
		}
		if version != "" {
			if d.Version == version {
				cp := *d
				return &cp, nil
			}
			continue
		}
		if latest == nil || d.CreatedAt.After(latest.CreatedAt) {
			latest = d
		}
	}
	if latest == nil {
		if version != "" {
			name = name + "@" + version
		}
		return nil, storeNotFound("definition", name)
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) ListDefinitions(_ context.Context, filter DefinitionFilter) ([]*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var defs []*Definition
	for _, d := range s.definitions {
		if filter.Name != "" && d.Name != filter.Name {
			continue
		}
		cp := *d
		defs = append(defs, &cp)
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Name != defs[j].Name {
			return defs[i].Name < defs[j].Name
		}
		return defs[i].CreatedAt.After(defs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(defs) > filter.Limit {
		defs = defs[:filter.Limit]
	}
	return defs, nil
}

// --- Executions ---

func (s *MemoryStore) CreateExecution(_ context.Context, exec *Execution, ceiling int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID)
	}
	if ceiling > 0 {
		active := 0
		for _, e := range s.executions {
			if !e.Status.Terminal() {
				active++
			}
		}
		if active >= ceiling {
			drr := schema.NewErrorf(schema.ErrCodeCapacity, "active execution ceiling reached (%d/%d)", active, ceiling)
			return drr.WithDetails(map[string]any{"active": active, "ceiling": ceiling})
		}
	}
	cp := cloneExecution(exec)
	cp.CreatedAt = timeOrNow(exec.CreatedAt)
	cp.UpdatedAt = timeOrNow(exec.UpdatedAt)
	s.executions[exec.ID] = cp
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	return cloneExecution(e), nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, exec *Execution, expectedRevision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.executions[exec.ID]
	if !ok {
		return storeNotFound("execution", exec.ID)
	}
	if current.Revision != expectedRevision {
		drr := schema.NewErrorf(schema.ErrCodeConflict, "execution %q revision mismatch: expected %d, have %d", exec.ID, expectedRevision, current.Revision)
		return drr.WithDetails(map[string]any{"expected": expectedRevision, "actual": current.Revision})
	}
	cp := cloneExecution(exec)
	cp.Revision = expectedRevision + 1
	cp.CreatedAt = current.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	s.executions[exec.ID] = cp
	exec.Revision = cp.Revision
	return nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var execs []*Execution
	for _, e := range s.executions {
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, e.Status) {
			continue
		}
		if filter.ProcessName != "" && e.ProcessName != filter.ProcessName {
			continue
		}
		if filter.ScheduleID != "" && e.ScheduleID != filter.ScheduleID {
			continue
		}
		if filter.Since != nil && e.CreatedAt.Before(*filter.Since) {
			continue
		}
		execs = append(execs, cloneExecution(e))
	}
	sort.Slice(execs, func(i, j int) bool { return execs[i].CreatedAt.After(execs[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(execs) {
			return nil, nil
		}
		execs = execs[filter.Offset:]
	}
	if filter.Limit > 0 && len(execs) > filter.Limit {
		execs = execs[:filter.Limit]
	}
	return execs, nil
}

func (s *MemoryStore) CountActiveExecutions(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, e := range s.executions {
		if !e.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

// --- Step runs ---

func (s *MemoryStore) UpsertStepRun(_ context.Context, run *StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStep, ok := s.stepRuns[run.ExecutionID]
	if !ok {
		byStep = make(map[string]*StepRun)
		s.stepRuns[run.ExecutionID] = byStep
	}
	byStep[run.StepID] = cloneStepRun(run)
	return nil
}

func (s *MemoryStore) GetStepRun(_ context.Context, executionID, stepID string) (*StepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.stepRuns[executionID][stepID]
	if !ok {
		return nil, storeNotFound("step run", executionID+"/"+stepID)
	}
	return cloneStepRun(r), nil
}

func (s *MemoryStore) ListStepRuns(_ context.Context, executionID string) ([]*StepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runs []*StepRun
	for _, r := range s.stepRuns[executionID] {
		runs = append(runs, cloneStepRun(r))
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StepID < runs[j].StepID })
	return runs, nil
}

func (s *MemoryStore) ListDueExecutionIDs(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	due := make(map[string]bool)
	for execID, byStep := range s.stepRuns {
		for _, r := range byStep {
			if r.Status == schema.StepStatusRunning && r.ResumeAt != nil && !r.ResumeAt.After(now) {
				due[execID] = true
			}
		}
	}
	for _, d := range s.decisions {
		if d.Status == schema.DecisionPending && d.TimeoutAt != nil && !d.TimeoutAt.After(now) {
			due[d.ExecutionID] = true
		}
	}
	ids := make([]string, 0, len(due))
	for id := range due {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// --- Decisions ---

func (s *MemoryStore) CreateDecision(_ context.Context, dec *Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *dec
	cp.CreatedAt = timeOrNow(dec.CreatedAt)
	s.decisions[dec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDecision(_ context.Context, id string) (*Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decisions[id]
	if !ok {
		return nil, storeNotFound("decision", id)
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ResolveDecision(_ context.Context, id string, resolution *Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[id]
	if !ok {
		return storeNotFound("decision", id)
	}
	if d.Status != schema.DecisionPending {
		return schema.NewErrorf(schema.ErrCodeConflict, "decision %q already resolved (%s)", id, d.Status)
	}
	d.Status = schema.DecisionStatus(resolution.Status)
	d.DecidedBy = resolution.DecidedBy
	d.Comment = resolution.Comment
	decidedAt := time.Now().UTC()
	if resolution.DecidedAt != nil {
		decidedAt = *resolution.DecidedAt
	}
	d.DecidedAt = &decidedAt
	return nil
}

func (s *MemoryStore) ListDecisions(_ context.Context, filter DecisionFilter) ([]*Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var decisions []*Decision
	for _, d := range s.decisions {
		if filter.ExecutionID != "" && d.ExecutionID != filter.ExecutionID {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if filter.ExpiringBefore != nil && (d.TimeoutAt == nil || d.TimeoutAt.After(*filter.ExpiringBefore)) {
			continue
		}
		cp := *d
		decisions = append(decisions, &cp)
	}
	sort.Slice(decisions, func(i, j int) bool { return decisions[i].CreatedAt.Before(decisions[j].CreatedAt) })
	if filter.Limit > 0 && len(decisions) > filter.Limit {
		decisions = decisions[:filter.Limit]
	}
	return decisions, nil
}

// --- Schedules ---

func (s *MemoryStore) CreateSchedule(_ context.Context, sched *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneSchedule(sched)
	cp.CreatedAt = timeOrNow(sched.CreatedAt)
	cp.UpdatedAt = timeOrNow(sched.UpdatedAt)
	s.schedules[sched.ID] = cp
	return nil
}

func (s *MemoryStore) GetSchedule(_ context.Context, id string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[id]
	if !ok {
		return nil, storeNotFound("schedule", id)
	}
	return cloneSchedule(sc), nil
}

func (s *MemoryStore) UpdateSchedule(_ context.Context, id string, update ScheduleUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return storeNotFound("schedule", id)
	}
	if update.CronExpression != nil {
		sc.CronExpression = *update.CronExpression
	}
	if update.Timezone != nil {
		sc.Timezone = *update.Timezone
	}
	if update.Input != nil {
		sc.Input = maps.Clone(*update.Input)
	}
	if update.Enabled != nil {
		sc.Enabled = *update.Enabled
	}
	if update.NextFireAt != nil {
		t := *update.NextFireAt
		sc.NextFireAt = &t
	}
	if update.LastFireAt != nil {
		t := *update.LastFireAt
		sc.LastFireAt = &t
	}
	if update.LastExecutionID != nil {
		sc.LastExecutionID = *update.LastExecutionID
	}
	sc.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListSchedules(_ context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var schedules []*Schedule
	for _, sc := range s.schedules {
		if filter.Enabled != nil && sc.Enabled != *filter.Enabled {
			continue
		}
		if filter.DueBefore != nil && (sc.NextFireAt == nil || sc.NextFireAt.After(*filter.DueBefore)) {
			continue
		}
		schedules = append(schedules, cloneSchedule(sc))
	}
	sort.Slice(schedules, func(i, j int) bool { return schedules[i].CreatedAt.Before(schedules[j].CreatedAt) })
	if filter.Limit > 0 && len(schedules) > filter.Limit {
		schedules = schedules[:filter.Limit]
	}
	return schedules, nil
}

func (s *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return storeNotFound("schedule", id)
	}
	delete(s.schedules, id)
	return nil
}

// --- Workers ---

func (s *MemoryStore) RegisterWorker(_ context.Context, worker *Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.workers[worker.Name]; ok {
		existing.Endpoint = worker.Endpoint
		existing.Description = worker.Description
		existing.LastSeenAt = &now
		return nil
	}
	cp := *worker
	cp.CreatedAt = timeOrNow(worker.CreatedAt)
	cp.LastSeenAt = &now
	s.workers[worker.Name] = &cp
	return nil
}

func (s *MemoryStore) GetWorkerByName(_ context.Context, name string) (*Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[name]
	if !ok {
		return nil, storeNotFound("worker", name)
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) ListWorkers(_ context.Context) ([]*Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var workers []*Worker
	for _, w := range s.workers {
		cp := *w
		workers = append(workers, &cp)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })
	return workers, nil
}

// --- History ---

func (s *MemoryStore) AppendEvent(_ context.Context, event *ExecutionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.events[event.ExecutionID]
	cp := *event
	cp.Sequence = int64(len(log)) + 1
	cp.ID = cp.Sequence
	cp.Timestamp = timeOrNow(event.Timestamp)
	s.events[event.ExecutionID] = append(log, &cp)
	event.Sequence = cp.Sequence
	event.ID = cp.ID
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, executionID string, sinceSequence int64) ([]*ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var events []*ExecutionEvent
	for _, e := range s.events[executionID] {
		if e.Sequence <= sinceSequence {
			continue
		}
		cp := *e
		events = append(events, &cp)
	}
	return events, nil
}

// --- Maintenance ---

func (s *MemoryStore) Migrate(_ context.Context) error { return nil }

func (s *MemoryStore) Vacuum(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// --- Clone helpers ---

func cloneExecution(e *Execution) *Execution {
	cp := *e
	cp.Input = maps.Clone(e.Input)
	cp.StartedAt = cloneTime(e.StartedAt)
	cp.CompletedAt = cloneTime(e.CompletedAt)
	return &cp
}

func cloneStepRun(r *StepRun) *StepRun {
	cp := *r
	cp.ResumeAt = cloneTime(r.ResumeAt)
	cp.StartedAt = cloneTime(r.StartedAt)
	cp.CompletedAt = cloneTime(r.CompletedAt)
	return &cp
}

func cloneSchedule(sc *Schedule) *Schedule {
	cp := *sc
	cp.Input = maps.Clone(sc.Input)
	cp.NextFireAt = cloneTime(sc.NextFireAt)
	cp.LastFireAt = cloneTime(sc.LastFireAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func containsStatus(statuses []schema.ExecutionStatus, st schema.ExecutionStatus) bool {
	for _, s := range statuses {
		if strings.EqualFold(string(s), string(st)) {
			return true
		}
	}
	return false
}
