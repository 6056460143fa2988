// Package queue implements the Parallel Job Queue (Q, §4.4): at-most-one
// claim job dispatch, lease-based stale reclamation, capability matching,
// retry-with-cap, and a non-blocking barrier primitive. The whole state is
// one JSON document per (report, run), mutated only under the QUEUE lock
// so two concurrent operations on the same queue are linearizable.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/gyoshu/internal/fsstore"
	"github.com/danshapiro/gyoshu/internal/gerr"
	"github.com/danshapiro/gyoshu/internal/ident"
	"github.com/danshapiro/gyoshu/internal/jsonx"
	"github.com/danshapiro/gyoshu/internal/lockmgr"
	"github.com/danshapiro/gyoshu/internal/queue/schema"
)

// Status values for a Job (§3, §4.4 state machine).
type Status string

const (
	Pending Status = "PENDING"
	Claimed Status = "CLAIMED"
	Done    Status = "DONE"
	Failed  Status = "FAILED"
)

// Kind values for a Job.
const (
	KindExecuteStage = "execute_stage"
	KindVerifyStage  = "verify_stage"
)

// Job is the durable job entity (§3).
type Job struct {
	JobID                string          `json:"jobId"`
	StageID              string          `json:"stageId"`
	Kind                 string          `json:"kind"`
	Payload              json.RawMessage `json:"payload"`
	Status               Status          `json:"status"`
	Attempts             int             `json:"attempts"`
	MaxAttempts          int             `json:"maxAttempts"`
	RequiredCapabilities []string        `json:"requiredCapabilities,omitempty"`
	ClaimedBy            string          `json:"claimedBy,omitempty"`
	ClaimedAt            *time.Time      `json:"claimedAt,omitempty"`
	HeartbeatAt          *time.Time      `json:"heartbeatAt,omitempty"`
	CompletedAt          *time.Time      `json:"completedAt,omitempty"`
	Result               json.RawMessage `json:"result,omitempty"`
	Error                string          `json:"error,omitempty"`
}

// Worker is the durable worker entity (§3).
type Worker struct {
	WorkerID     string    `json:"workerId"`
	Capabilities []string  `json:"capabilities,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
	HeartbeatAt  time.Time `json:"heartbeatAt"`
}

// Config mirrors ParallelQueueState.config (§3).
type Config struct {
	MaxJobAttempts      int `json:"maxJobAttempts"`
	StaleClaimMS        int `json:"staleClaimMs"`
	HeartbeatIntervalMS int `json:"heartbeatIntervalMs"`
}

// DefaultConfig returns the coordination core's chosen defaults. StaleClaimMS
// is fixed at 120000ms per the DESIGN.md resolution of spec §9's open
// question (the distilled source's code-default, not its test-only override).
func DefaultConfig() Config {
	return Config{MaxJobAttempts: 3, StaleClaimMS: 120_000, HeartbeatIntervalMS: 30_000}
}

// State is the durable ParallelQueueState entity (§3).
type State struct {
	ReportTitle string    `json:"reportTitle"`
	RunID       string    `json:"runId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Config      Config    `json:"config"`
	Jobs        []*Job    `json:"jobs"`
	Workers     []*Worker `json:"workers"`
	Status      string    `json:"status"`

	// Extra carries any field a newer writer persisted that this version
	// does not recognize, so load/save never silently drops it (§6).
	Extra map[string]json.RawMessage `json:"-"`
}

// queueStateAlias breaks the recursion a State.MarshalJSON/UnmarshalJSON
// would otherwise cause by calling json.Marshal/Unmarshal on itself.
type queueStateAlias State

// MarshalJSON re-merges Extra's unknown fields back in underneath the
// known ones (§6 forward-compatibility).
func (s State) MarshalJSON() ([]byte, error) {
	alias := queueStateAlias(s)
	return jsonx.MergeUnknown(&alias, s.Extra)
}

// UnmarshalJSON decodes the known fields and stashes anything else in Extra.
func (s *State) UnmarshalJSON(data []byte) error {
	extra, err := jsonx.SplitUnknown(data, (*queueStateAlias)(s))
	if err != nil {
		return err
	}
	s.Extra = extra
	return nil
}

// NewJob is the caller-supplied shape for Enqueue.
type NewJob struct {
	StageID              string
	Kind                 string
	Payload              json.RawMessage
	RequiredCapabilities []string
	MaxAttempts          int // 0 means "use queue config default"
}

// Queue is a handle to one (reportTitle, runId) queue document.
type Queue struct {
	store       *fsstore.Store
	locks       *lockmgr.Manager
	schemas     *schema.Registry
	reportTitle string
	runID       string
}

// NewRunID mints a fresh run id.
func NewRunID() string { return ulid.Make().String() }

// NewJobID mints a fresh job id, unique within the queue by construction
// (ULID monotonicity within a process plus random entropy across processes).
func NewJobID() string { return ulid.Make().String() }

// Open returns a handle to the queue for (reportTitle, runID). It does not
// touch the filesystem; Init/Enqueue/etc. do so under lock.
func Open(store *fsstore.Store, locks *lockmgr.Manager, schemas *schema.Registry, reportTitle, runID string) (*Queue, error) {
	if err := ident.ValidateReportTitle(reportTitle); err != nil {
		return nil, err
	}
	if runID == "" {
		return nil, gerr.New(gerr.InvalidSegment, "queue.Open", "runId must not be empty")
	}
	return &Queue{store: store, locks: locks, schemas: schemas, reportTitle: reportTitle, runID: runID}, nil
}

func (q *Queue) relPath() string {
	return filepath.Join("reports", q.reportTitle, "queue", q.runID+".json")
}

func (q *Queue) lockKey() string {
	return q.reportTitle + "/" + q.runID
}

func (q *Queue) withLock(fn func() error) error {
	g, err := q.locks.Acquire(context.Background(), lockmgr.Queue, q.lockKey())
	if err != nil {
		return err
	}
	defer g.Release()
	return fn()
}

func (q *Queue) load() (*State, error) {
	b, err := q.store.ReadFile(q.relPath())
	if err != nil {
		return nil, err
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, gerr.Wrap(gerr.TransientIO, "queue.load", "unmarshal state", err)
	}
	return &s, nil
}

func (q *Queue) save(s *State) error {
	s.UpdatedAt = time.Now().UTC()
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return gerr.Wrap(gerr.TransientIO, "queue.save", "marshal state", err)
	}
	return q.store.AtomicWrite(q.relPath(), b, 0o600)
}

// Init creates an empty queue document with merged defaults. It is an
// error to Init a queue that already exists.
func (q *Queue) Init(cfg Config) error {
	return q.withLock(func() error {
		exists, err := q.store.Exists(q.relPath())
		if err != nil {
			return err
		}
		if exists {
			return gerr.New(gerr.AlreadyExists, "queue.Init", "queue already exists")
		}
		merged := mergeConfig(cfg)
		now := time.Now().UTC()
		s := &State{
			ReportTitle: q.reportTitle,
			RunID:       q.runID,
			CreatedAt:   now,
			UpdatedAt:   now,
			Config:      merged,
			Jobs:        []*Job{},
			Workers:     []*Worker{},
			Status:      "open",
		}
		return q.save(s)
	})
}

func mergeConfig(cfg Config) Config {
	d := DefaultConfig()
	if cfg.MaxJobAttempts > 0 {
		d.MaxJobAttempts = cfg.MaxJobAttempts
	}
	if cfg.StaleClaimMS > 0 {
		d.StaleClaimMS = cfg.StaleClaimMS
	}
	if cfg.HeartbeatIntervalMS > 0 {
		d.HeartbeatIntervalMS = cfg.HeartbeatIntervalMS
	}
	return d
}

// EnqueueResult reports the outcome of Enqueue.
type EnqueueResult struct {
	JobIDs       []string `json:"jobIds"`
	PendingCount int      `json:"pendingCount"`
}

// Enqueue appends new jobs to the queue, validating each payload against
// its kind's schema when one is registered.
func (q *Queue) Enqueue(jobs []NewJob) (*EnqueueResult, error) {
	if len(jobs) == 0 {
		return nil, gerr.New(gerr.EmptyInput, "queue.Enqueue", "jobs must be nonempty")
	}
	var result *EnqueueResult
	err := q.withLock(func() error {
		s, err := q.load()
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(jobs))
		for _, nj := range jobs {
			if err := q.validatePayload(nj.Kind, nj.Payload); err != nil {
				return gerr.Wrap(gerr.InvalidSegment, "queue.Enqueue", "payload validation", err)
			}
			maxAttempts := nj.MaxAttempts
			if maxAttempts <= 0 {
				maxAttempts = s.Config.MaxJobAttempts
			}
			job := &Job{
				JobID:                NewJobID(),
				StageID:              nj.StageID,
				Kind:                 nj.Kind,
				Payload:              nj.Payload,
				Status:               Pending,
				MaxAttempts:          maxAttempts,
				RequiredCapabilities: nj.RequiredCapabilities,
			}
			s.Jobs = append(s.Jobs, job)
			ids = append(ids, job.JobID)
		}
		if err := q.save(s); err != nil {
			return err
		}
		result = &EnqueueResult{JobIDs: ids, PendingCount: countStatus(s.Jobs, Pending)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (q *Queue) validatePayload(kind string, payload json.RawMessage) error {
	if q.schemas == nil || len(payload) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return q.schemas.Validate(kind, doc)
}

// ClaimResult is the result of Claim.
type ClaimResult struct {
	Job     *Job   `json:"job,omitempty"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// Claim deterministically scans jobs in stored order and claims the first
// PENDING job whose requiredCapabilities are a subset of capabilities.
// Never returns an error for "nothing to claim" — that is expressed as
// {success:false, reason:"no_jobs"}, per §4.4.
func (q *Queue) Claim(workerID string, capabilities []string) (*ClaimResult, error) {
	if workerID == "" {
		return nil, gerr.New(gerr.MissingField, "queue.Claim", "workerId is required")
	}
	var result *ClaimResult
	err := q.withLock(func() error {
		s, err := q.load()
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		var claimed *Job
		for _, j := range s.Jobs {
			if j.Status != Pending {
				continue
			}
			if !subset(j.RequiredCapabilities, capabilities) {
				continue
			}
			j.Status = Claimed
			j.ClaimedBy = workerID
			j.ClaimedAt = &now
			j.HeartbeatAt = &now
			j.Attempts++
			claimed = j
			break
		}
		registerOrRefreshWorker(s, workerID, capabilities, now)
		if claimed == nil {
			result = &ClaimResult{Success: false, Reason: "no_jobs"}
			return q.save(s)
		}
		result = &ClaimResult{Job: claimed, Success: true}
		return q.save(s)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func subset(required, have []string) bool {
	if len(required) == 0 {
		return true
	}
	haveSet := make(map[string]bool, len(have))
	for _, c := range have {
		haveSet[c] = true
	}
	for _, r := range required {
		if !haveSet[r] {
			return false
		}
	}
	return true
}

func registerOrRefreshWorker(s *State, workerID string, capabilities []string, now time.Time) {
	for _, w := range s.Workers {
		if w.WorkerID == workerID {
			w.HeartbeatAt = now
			if len(capabilities) > 0 {
				w.Capabilities = capabilities
			}
			return
		}
	}
	s.Workers = append(s.Workers, &Worker{
		WorkerID:     workerID,
		Capabilities: capabilities,
		RegisteredAt: now,
		HeartbeatAt:  now,
	})
}

// Heartbeat refreshes a worker's heartbeatAt and, if jobID is given, the
// matching job's heartbeatAt too (used by Reap to decide staleness).
func (q *Queue) Heartbeat(workerID, jobID string) error {
	if workerID == "" {
		return gerr.New(gerr.MissingField, "queue.Heartbeat", "workerId is required")
	}
	return q.withLock(func() error {
		s, err := q.load()
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		registerOrRefreshWorker(s, workerID, nil, now)
		if jobID != "" {
			for _, j := range s.Jobs {
				if j.JobID == jobID {
					j.HeartbeatAt = &now
					break
				}
			}
		}
		return q.save(s)
	})
}

// Complete transitions a CLAIMED job to DONE, recording result.
func (q *Queue) Complete(jobID string, result json.RawMessage) error {
	return q.withLock(func() error {
		s, err := q.load()
		if err != nil {
			return err
		}
		job := findJob(s.Jobs, jobID)
		if job == nil {
			return gerr.New(gerr.NotFound, "queue.Complete", "job not found: "+jobID)
		}
		if job.Status != Claimed {
			return gerr.New(gerr.WrongState, "queue.Complete", fmt.Sprintf("job %s is %s, not CLAIMED", jobID, job.Status))
		}
		now := time.Now().UTC()
		job.Status = Done
		job.Result = result
		job.CompletedAt = &now
		job.Error = ""
		return q.save(s)
	})
}

// Fail transitions a CLAIMED job back to PENDING if attempts remain, else
// to FAILED. This is the at-least-once retry-with-cap path (§4.4).
func (q *Queue) Fail(jobID, errMsg string) error {
	if errMsg == "" {
		return gerr.New(gerr.MissingField, "queue.Fail", "error is required")
	}
	return q.withLock(func() error {
		s, err := q.load()
		if err != nil {
			return err
		}
		job := findJob(s.Jobs, jobID)
		if job == nil {
			return gerr.New(gerr.NotFound, "queue.Fail", "job not found: "+jobID)
		}
		if job.Status != Claimed {
			return gerr.New(gerr.WrongState, "queue.Fail", fmt.Sprintf("job %s is %s, not CLAIMED", jobID, job.Status))
		}
		applyFailure(job, errMsg)
		return q.save(s)
	})
}

// applyFailure is shared by Fail and Reap: if attempts are still under the
// cap, reset to PENDING with claim fields cleared; otherwise mark FAILED
// permanently with the last error.
func applyFailure(job *Job, errMsg string) {
	job.Error = errMsg
	if job.Attempts < job.MaxAttempts {
		job.Status = Pending
		job.ClaimedBy = ""
		job.ClaimedAt = nil
		job.HeartbeatAt = nil
	} else {
		job.Status = Failed
	}
}

func findJob(jobs []*Job, jobID string) *Job {
	for _, j := range jobs {
		if j.JobID == jobID {
			return j
		}
	}
	return nil
}

func countStatus(jobs []*Job, st Status) int {
	n := 0
	for _, j := range jobs {
		if j.Status == st {
			n++
		}
	}
	return n
}

// StatusSnapshot is the result of Status.
type StatusSnapshot struct {
	JobCounts  map[Status]int `json:"jobCounts"`
	Workers    int            `json:"workers"`
	IsComplete bool           `json:"isComplete"`
	HasFailed  bool           `json:"hasFailed"`
}

// Status returns per-status job counts plus completion/failure flags.
func (q *Queue) Status() (*StatusSnapshot, error) {
	var snap *StatusSnapshot
	err := q.withLock(func() error {
		s, err := q.load()
		if err != nil {
			return err
		}
		snap = &StatusSnapshot{
			JobCounts: map[Status]int{
				Pending: countStatus(s.Jobs, Pending),
				Claimed: countStatus(s.Jobs, Claimed),
				Done:    countStatus(s.Jobs, Done),
				Failed:  countStatus(s.Jobs, Failed),
			},
			Workers: len(s.Workers),
		}
		snap.IsComplete = snap.JobCounts[Pending] == 0 && snap.JobCounts[Claimed] == 0
		snap.HasFailed = snap.JobCounts[Failed] > 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ReapResult is the result of Reap.
type ReapResult struct {
	ReapedCount int `json:"reapedCount"`
}

// Reap reclaims every CLAIMED job whose most recent activity (the later of
// heartbeatAt and claimedAt) is older than staleClaimMs, applying the same
// retry-or-fail transition as Fail (§4.4 "stale reclaim").
func (q *Queue) Reap() (*ReapResult, error) {
	var result *ReapResult
	err := q.withLock(func() error {
		s, err := q.load()
		if err != nil {
			return err
		}
		staleAfter := time.Duration(s.Config.StaleClaimMS) * time.Millisecond
		now := time.Now().UTC()
		reaped := 0
		for _, j := range s.Jobs {
			if j.Status != Claimed {
				continue
			}
			lastActivity := mostRecent(j.HeartbeatAt, j.ClaimedAt)
			if lastActivity == nil || now.Sub(*lastActivity) <= staleAfter {
				continue
			}
			applyFailure(j, "stale claim reclaimed: no heartbeat within staleClaimMs")
			reaped++
		}
		result = &ReapResult{ReapedCount: reaped}
		return q.save(s)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func mostRecent(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.After(*b):
		return a
	default:
		return b
	}
}

// BarrierSnapshot is the result of BarrierWait: a non-blocking predicate
// snapshot. The queue never sleeps on the caller's behalf — callers poll
// at whatever rate they choose (§4.4 "barrier_wait").
type BarrierSnapshot struct {
	StageID   string `json:"stageId,omitempty"`
	Pending   int    `json:"pending"`
	Claimed   int    `json:"claimed"`
	Done      int    `json:"done"`
	Failed    int    `json:"failed"`
	TotalJobs int    `json:"totalJobs"`
	Complete  bool   `json:"complete"`
}

// BarrierWait returns a snapshot of job counts, optionally scoped to
// stageID, with Complete true iff pending+claimed == 0.
func (q *Queue) BarrierWait(stageID string) (*BarrierSnapshot, error) {
	var snap *BarrierSnapshot
	err := q.withLock(func() error {
		s, err := q.load()
		if err != nil {
			return err
		}
		snap = &BarrierSnapshot{StageID: stageID}
		for _, j := range s.Jobs {
			if stageID != "" && j.StageID != stageID {
				continue
			}
			snap.TotalJobs++
			switch j.Status {
			case Pending:
				snap.Pending++
			case Claimed:
				snap.Claimed++
			case Done:
				snap.Done++
			case Failed:
				snap.Failed++
			}
		}
		snap.Complete = snap.Pending+snap.Claimed == 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}
