// Package queue implements the task lifecycle authority: it validates
// submissions, owns every status transition, and exposes the atomic
// claim-next operation the orchestrator consumes.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/odgrim/abathur-swarm-sub017/internal/events"
	"github.com/odgrim/abathur-swarm-sub017/internal/persistence"
	"github.com/odgrim/abathur-swarm-sub017/internal/priority"
	"github.com/odgrim/abathur-swarm-sub017/internal/resolver"
	"github.com/odgrim/abathur-swarm-sub017/internal/task"
)

var (
	// ErrCircularDependency is returned when a submission would close a
	// cycle. Nothing is persisted.
	ErrCircularDependency = errors.New("circular dependency")
	// ErrUnknownWorkerType is returned when a submission names a worker
	// type no provider is registered for.
	ErrUnknownWorkerType = errors.New("unknown worker type")
	// ErrMissingPrerequisite mirrors the store sentinel for callers that
	// only import this package.
	ErrMissingPrerequisite = persistence.ErrMissingPrerequisite
	// ErrNoReadyTask mirrors the store sentinel.
	ErrNoReadyTask = persistence.ErrNoReadyTask
)

// FailurePolicy decides what happens to dependents of a permanently
// failed task.
type FailurePolicy string

const (
	// FailureLeaveBlocked keeps dependents Blocked for manual salvage.
	// This is the default: blocked rows can be rescued, cancelled ones
	// cannot.
	FailureLeaveBlocked FailurePolicy = "leave-blocked"
	// FailureCascadeCancel cancels every transitive dependent.
	FailureCascadeCancel FailurePolicy = "cascade-cancel"
)

// RetrySchedule shapes the exponential eligibility delay applied when a
// failed task re-enters scheduling.
type RetrySchedule struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetrySchedule returns the default backoff shape.
func DefaultRetrySchedule() RetrySchedule {
	return RetrySchedule{
		InitialInterval: 2 * time.Second,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2.0,
	}
}

// Service is the queue service. All writes go through it; it is the single
// logical writer over the store.
type Service struct {
	store          persistence.Store
	graph          *resolver.Graph
	bus            *events.Bus
	now            func() time.Time
	policy         FailurePolicy
	retry          RetrySchedule
	validateWorker func(workerType string) error
}

// Option configures a Service.
type Option func(*Service)

// WithBus attaches an event bus; lifecycle events are published to it.
func WithBus(b *events.Bus) Option {
	return func(s *Service) { s.bus = b }
}

// WithClock overrides the wall clock (testing).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithFailurePolicy sets the permanent-failure cascade policy.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithRetrySchedule sets the retry backoff shape.
func WithRetrySchedule(r RetrySchedule) Option {
	return func(s *Service) { s.retry = r }
}

// WithWorkerTypeValidator makes Submit reject worker types the validator
// refuses, so unknown tags fail at the API boundary instead of at
// execution time.
func WithWorkerTypeValidator(v func(workerType string) error) Option {
	return func(s *Service) { s.validateWorker = v }
}

// NewService builds a queue service over the store, rebuilding the
// resolver graph from the persisted edges.
func NewService(ctx context.Context, store persistence.Store, opts ...Option) (*Service, error) {
	s := &Service{
		store:  store,
		graph:  resolver.NewGraph(),
		now:    time.Now,
		policy: FailureLeaveBlocked,
		retry:  DefaultRetrySchedule(),
	}
	for _, opt := range opts {
		opt(s)
	}

	tasks, err := store.ListTasks(ctx, persistence.ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("loading tasks: %w", err)
	}
	for _, t := range tasks {
		s.graph.AddNode(t.ID)
	}

	edges, err := store.LoadEdges(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading edges: %w", err)
	}
	byDependent := make(map[string][]string)
	for _, e := range edges {
		byDependent[e.DependentID] = append(byDependent[e.DependentID], e.PrerequisiteID)
	}
	for dep, prereqs := range byDependent {
		if err := s.graph.AddEdges(dep, prereqs); err != nil {
			return nil, fmt.Errorf("rebuilding graph: %w", err)
		}
	}

	return s, nil
}

// Dependency names one prerequisite of a submission.
type Dependency struct {
	TaskID string
	Kind   task.EdgeKind
}

// SubmitRequest carries everything a client declares about a new task.
type SubmitRequest struct {
	Summary      string
	Description  string
	WorkerType   string
	Source       task.Source
	BasePriority int
	MaxRetries   int
	ParentID     string
	Branch       string
	Deadline     time.Time
	DependsOn    []Dependency
}

// Submit validates the request and its edges, computes the initial status
// and priority, and persists task plus edges as one atomic unit.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*task.Task, error) {
	if req.Summary == "" {
		return nil, errors.New("summary is required")
	}
	if req.WorkerType == "" {
		return nil, errors.New("worker type is required")
	}
	if s.validateWorker != nil {
		if err := s.validateWorker(req.WorkerType); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownWorkerType, req.WorkerType)
		}
	}
	if req.Source == "" {
		req.Source = task.SourceHuman
	}

	id := uuid.NewString()
	prereqs := make([]string, 0, len(req.DependsOn))
	for _, d := range req.DependsOn {
		if !s.graph.HasNode(d.TaskID) {
			return nil, fmt.Errorf("%w: %s", ErrMissingPrerequisite, d.TaskID)
		}
		prereqs = append(prereqs, d.TaskID)
	}
	if err := s.graph.CheckAcyclic(id, prereqs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCircularDependency, err)
	}

	status, err := s.initialStatus(ctx, prereqs)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	t := &task.Task{
		ID:           id,
		Summary:      req.Summary,
		Description:  req.Description,
		WorkerType:   req.WorkerType,
		Source:       req.Source,
		ParentID:     req.ParentID,
		Branch:       req.Branch,
		BasePriority: task.ClampBasePriority(req.BasePriority),
		Status:       status,
		MaxRetries:   req.MaxRetries,
		Deadline:     req.Deadline,
		SubmittedAt:  now,
		UpdatedAt:    now,
	}
	for _, d := range req.DependsOn {
		kind := d.Kind
		if kind == "" {
			kind = task.EdgeSequential
			if len(req.DependsOn) > 1 {
				kind = task.EdgeParallelJoin
			}
		}
		t.DependsOn = append(t.DependsOn, task.Edge{
			DependentID:    id,
			PrerequisiteID: d.TaskID,
			Kind:           kind,
		})
	}
	t.ComputedPriority = priority.Score(t, s.graph.MetricsFor(id), now)

	if err := s.store.InsertTask(ctx, t); err != nil {
		return nil, err
	}

	s.graph.AddNode(id)
	if err := s.graph.AddEdges(id, prereqs); err != nil {
		// Cannot happen: CheckAcyclic passed under the same graph.
		log.Printf("ERROR: graph rejected edges already committed for %s: %v", id, err)
	}

	// Prerequisite metrics changed; refresh their stored scores.
	for _, p := range prereqs {
		s.rescore(ctx, p, now)
	}

	s.publish(events.SubmittedEvent{ID: id, Status: status, Source: t.Source, Timestamp: now})
	return t.Clone(), nil
}

// initialStatus places a submission: no prerequisites means Ready, unmet
// prerequisites mean Blocked, and already-satisfied prerequisites mean
// Ready immediately.
func (s *Service) initialStatus(ctx context.Context, prereqs []string) (task.Status, error) {
	if len(prereqs) == 0 {
		return task.StatusReady, nil
	}
	for _, p := range prereqs {
		pt, err := s.store.GetTask(ctx, p)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrMissingPrerequisite, p)
		}
		if !pt.Status.SatisfiesDependency() {
			return task.StatusBlocked, nil
		}
	}
	return task.StatusReady, nil
}

// ClaimNext atomically hands the highest-priority Ready task to exactly
// one caller, transitioning it to Running.
func (s *Service) ClaimNext(ctx context.Context) (*task.Task, error) {
	now := s.now().UTC()
	t, err := s.store.ClaimNext(ctx, now)
	if err != nil {
		return nil, err
	}
	s.publish(events.TransitionEvent{
		ID: t.ID, From: task.StatusReady, To: task.StatusRunning,
		Detail: "claimed", Timestamp: now,
	})
	return t, nil
}

// Get returns a task by id.
func (s *Service) Get(ctx context.Context, taskID string) (*task.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// List returns tasks matching the filter.
func (s *Service) List(ctx context.Context, f persistence.ListFilter) ([]*task.Task, error) {
	return s.store.ListTasks(ctx, f)
}

// Audit returns the status-transition trail of a task.
func (s *Service) Audit(ctx context.Context, taskID string) ([]persistence.AuditEntry, error) {
	return s.store.GetAudit(ctx, taskID)
}

// Stats is a snapshot of queue occupancy.
type Stats struct {
	Total  int
	Counts map[task.Status]int
}

// QueueStats returns per-status task counts.
func (s *Service) QueueStats(ctx context.Context) (Stats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Counts: counts}
	for _, n := range counts {
		st.Total += n
	}
	return st, nil
}

// ExecutionPlan returns a topological ordering of all non-terminal tasks.
func (s *Service) ExecutionPlan(ctx context.Context) ([]string, error) {
	tasks, err := s.store.ListTasks(ctx, persistence.ListFilter{})
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			ids = append(ids, t.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.graph.ExecutionPlan(ids)
}

// rescore recomputes and persists a task's priority. Score drift is
// tolerable, so failures are logged rather than propagated.
func (s *Service) rescore(ctx context.Context, taskID string, now time.Time) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		log.Printf("WARNING: rescore: failed to load %s: %v", taskID, err)
		return
	}
	if t.Status.IsTerminal() {
		return
	}
	score := priority.Score(t, s.graph.MetricsFor(taskID), now)
	if err := s.store.SetComputedPriority(ctx, taskID, score); err != nil {
		log.Printf("WARNING: rescore: failed to persist score for %s: %v", taskID, err)
	}
}

func (s *Service) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}
