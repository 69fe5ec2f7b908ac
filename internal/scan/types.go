package scan

import (
	"fmt"
	"math"
	"time"
)

// TargetType identifies what kind of thing a scan inspects.
type TargetType string

const (
	// TargetURL is a web URL.
	TargetURL TargetType = "url"
	// TargetApp is a mobile app package or store identifier.
	TargetApp TargetType = "app"
	// TargetAddress is an on-chain wallet or contract address.
	TargetAddress TargetType = "address"
)

// ParseTargetType validates a raw target type string.
func ParseTargetType(raw string) (TargetType, error) {
	switch t := TargetType(raw); t {
	case TargetURL, TargetApp, TargetAddress:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown target type %q", ErrInvalidTarget, raw)
	}
}

// Status enumerates scan lifecycle states.
type Status string

const (
	// StatusQueued indicates the scan is waiting for a worker.
	StatusQueued Status = "queued"
	// StatusRunning indicates a worker is processing the scan.
	StatusRunning Status = "running"
	// StatusDone indicates the scan completed with a result.
	StatusDone Status = "done"
	// StatusError indicates the scan failed.
	StatusError Status = "error"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusRunning:
		return 1
	case StatusDone, StatusError:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether a scan in status s may move to next.
// Re-applying the current status is always allowed.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return next.rank() >= 0
	}
	if s.IsTerminal() || next.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

// Source records how a scan was requested.
type Source string

const (
	// SourceManual is an ordinary API submission.
	SourceManual Source = "manual"
	// SourceManualForce is an API submission that bypassed dedup.
	SourceManualForce Source = "manual-force"
	// SourceStub marks scans finished by the stub processor without a real analyzer.
	SourceStub Source = "stub"
)

// Scan is the persisted scan record.
type Scan struct {
	ID              string
	Slug            string
	TargetType      TargetType
	Input           string
	NormalizedInput string
	Status          Status
	Progress        int
	Score           *int
	Label           *string
	Summary         *string
	Meta            map[string]any
	Source          Source
	RequestID       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewScan carries the caller-supplied fields for a scan about to be created.
type NewScan struct {
	TargetType      TargetType
	Input           string
	NormalizedInput string
	Source          Source
	RequestID       string
	Meta            map[string]any
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	Status   *Status
	Progress *int
	Score    *int
	Label    *string
	Summary  *string
	Meta     map[string]any
}

// Apply returns a copy of s with the patch applied. Progress is kept
// consistent with the resulting status and UpdatedAt is set to now.
func (s Scan) Apply(p Patch, now time.Time) (Scan, error) {
	out := s
	if p.Status != nil {
		if !s.Status.CanTransition(*p.Status) {
			return Scan{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, *p.Status)
		}
		out.Status = *p.Status
	}
	if p.Progress != nil {
		out.Progress = *p.Progress
	}
	if p.Score != nil {
		out.Score = ptr(*p.Score)
	}
	if p.Label != nil {
		out.Label = ptr(*p.Label)
	}
	if p.Summary != nil {
		out.Summary = ptr(*p.Summary)
	}
	if p.Meta != nil {
		out.Meta = cloneMeta(p.Meta)
	}
	out.Progress = NormalizeProgress(out.Status, float64(out.Progress))
	out.UpdatedAt = now
	return out, nil
}

// Snapshot projects the client-facing status view of the scan.
func (s Scan) Snapshot() Snapshot {
	snap := Snapshot{
		Status:    s.Status,
		Progress:  s.Progress,
		UpdatedAt: s.UpdatedAt,
	}
	if s.Score != nil {
		snap.Score = ptr(*s.Score)
	}
	if s.Label != nil {
		snap.Label = ptr(*s.Label)
	}
	if s.Slug != "" {
		snap.Slug = ptr(s.Slug)
	}
	return snap
}

// Snapshot is the status projection served to clients and cached.
type Snapshot struct {
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Score     *int      `json:"score,omitempty"`
	Label     *string   `json:"label,omitempty"`
	Slug      *string   `json:"slug,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NormalizeProgress rounds a raw percentage and bounds it by status:
// done is always 100, queued and running stay below 100, anything
// else is clamped to [0,100].
func NormalizeProgress(status Status, raw float64) int {
	switch status {
	case StatusDone:
		return 100
	case StatusQueued, StatusRunning:
		return clamp(roundPercent(raw), 0, 99)
	default:
		return clamp(roundPercent(raw), 0, 100)
	}
}

func roundPercent(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	if math.IsInf(v, 1) {
		return 100
	}
	if math.IsInf(v, -1) {
		return 0
	}
	return int(math.Round(math.Max(-1, math.Min(101, v))))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func ptr[T any](v T) *T {
	return &v
}

func cloneMeta(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Priority orders jobs in the queue; higher values are dequeued first.
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityUrgent Priority = 10
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityNormal:
		return "normal"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// JobType names the worker routine a job is dispatched to.
type JobType string

const (
	JobScanURL     JobType = "scan-url"
	JobScanApp     JobType = "scan-app"
	JobScanAddress JobType = "scan-address"
)

// JobTypeFor maps a target type to the job type that processes it.
func JobTypeFor(t TargetType) JobType {
	switch t {
	case TargetApp:
		return JobScanApp
	case TargetAddress:
		return JobScanAddress
	default:
		return JobScanURL
	}
}

// ComplexitySimple is the default job complexity hint.
const ComplexitySimple = "simple"

// Payload is the work description handed to a worker.
type Payload struct {
	ScanID          string         `json:"scanId"`
	TargetType      TargetType     `json:"targetType"`
	Target          string         `json:"target"`
	NormalizedInput string         `json:"normalizedInput"`
	RequestID       string         `json:"requestId,omitempty"`
	Meta            map[string]any `json:"meta,omitempty"`
}

// EnqueueOptions carries queue hints alongside the payload.
type EnqueueOptions struct {
	Priority   Priority
	Complexity string
	IsRetry    bool
	RequestID  string
}

// Job is a queued or in-flight unit of work.
type Job struct {
	ID         string
	ScanID     string
	Type       JobType
	Priority   Priority
	Payload    Payload
	Complexity string
	IsRetry    bool
	Progress   Progress
	EnqueuedAt time.Time
}
