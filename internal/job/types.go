package job

import (
	"time"

	"github.com/cronfire/cronfire/internal/timeplan"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// MaxConsecutiveFailures forces a job into StatusFailed once reached.
const MaxConsecutiveFailures = 5

// Job is the durable scheduling unit.
type Job struct {
	ID             string `json:"id"`
	JobUUID        string `json:"job_uuid"` // queue deduplication key
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	OrgID     string `json:"org_id"`
	ProjectID string `json:"project_id,omitempty"`
	CreatedBy string `json:"created_by"`

	Name      string            `json:"name"`
	Prompt    string            `json:"prompt"`
	TargetAPI string            `json:"target_api"`
	Headers   map[string]string `json:"headers,omitempty"`
	SkillID   string            `json:"skill_id,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`

	Schedule       timeplan.Schedule `json:"schedule"`
	UserTimezone   string            `json:"user_timezone"`
	CronExpression string            `json:"cron_expression,omitempty"` // recurring only, UTC

	Status              Status     `json:"status"`
	NextRunAt           *time.Time `json:"next_run_at,omitempty"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	ExecutionCount      int64      `json:"execution_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`

	RateLimit RateLimitState  `json:"rate_limit"`
	Response  ResponseOptions `json:"response"`

	Fingerprint string    `json:"job_fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Terminal reports whether the job accepts no further schedule edits.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// RateLimitState carries per-job rate limiting knobs plus the last observed
// limiter state (informational; trackers are process-local).
type RateLimitState struct {
	MaxRequestsPerMinute int        `json:"max_requests_per_minute,omitempty"`
	BackoffMultiplier    float64    `json:"backoff_multiplier,omitempty"`
	MaxBackoffMS         int64      `json:"max_backoff_ms,omitempty"`
	CurrentBackoffMS     int64      `json:"current_backoff_ms,omitempty"`
	LastRateLimitHit     *time.Time `json:"last_rate_limit_hit,omitempty"`
}

// ResponseOptions are the per-job response handling knobs.
type ResponseOptions struct {
	MaxSizeBytes      int64 `json:"max_size_bytes,omitempty"` // 1 KiB .. 50 MiB
	CompressResponse  bool  `json:"compress_response,omitempty"`
	StoreFullResponse bool  `json:"store_full_response,omitempty"`
}

// ExecStatus is the outcome of a single execution attempt.
type ExecStatus string

const (
	ExecPending     ExecStatus = "pending"
	ExecSuccess     ExecStatus = "success"
	ExecFailed      ExecStatus = "failed"
	ExecTimeout     ExecStatus = "timeout"
	ExecRateLimited ExecStatus = "rate_limited"
)

// Execution is an append-only audit record for one fire attempt.
type Execution struct {
	ExecutionUUID string `json:"execution_uuid"`
	JobID         string `json:"job_id"`
	JobUUID       string `json:"job_uuid"`
	OrgID         string `json:"org_id"`

	ScheduledFor time.Time  `json:"scheduled_for"`
	ExecutedAt   time.Time  `json:"executed_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMS   int64      `json:"duration_ms,omitempty"`

	Request  RequestSnapshot   `json:"request"`
	Response *ResponseSnapshot `json:"response,omitempty"`

	Status        ExecStatus     `json:"status"`
	Attempts      int            `json:"attempts"`
	Error         *ExecError     `json:"error,omitempty"`
	RateLimitInfo *RateLimitInfo `json:"rate_limit_info,omitempty"`
	Manual        bool           `json:"manual,omitempty"`
}

// Finish stamps completion time, duration and final status.
func (e *Execution) Finish(at time.Time, status ExecStatus) {
	e.CompletedAt = &at
	e.DurationMS = at.Sub(e.ExecutedAt).Milliseconds()
	e.Status = status
}

type RequestSnapshot struct {
	Prompt    string            `json:"prompt"`
	TargetAPI string            `json:"target_api"`
	Headers   map[string]string `json:"headers,omitempty"`
	TimeoutMS int64             `json:"timeout_ms"`
}

type ResponseSnapshot struct {
	StatusCode      int               `json:"status_code"`
	Headers         map[string]string `json:"headers,omitempty"`
	Data            string            `json:"data,omitempty"`
	DataSize        int64             `json:"data_size"`
	IsCompressed    bool              `json:"is_compressed,omitempty"`
	IsTruncated     bool              `json:"is_truncated,omitempty"`
	StorageLocation string            `json:"storage_location,omitempty"`
}

type ExecError struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Stack     string `json:"stack,omitempty"`
	Retryable bool   `json:"retryable"`
}

type RateLimitInfo struct {
	Remaining  *int64 `json:"remaining,omitempty"`
	Reset      *int64 `json:"reset,omitempty"`
	RetryAfter *int64 `json:"retry_after,omitempty"`
}

// AccessContext identifies the tenant and caller for every manager operation.
type AccessContext struct {
	OrgID     string
	UserID    string
	ProjectID string
	Role      string
}

// CreateRequest is the job creation payload.
type CreateRequest struct {
	Name           string            `json:"name"`
	Prompt         string            `json:"prompt"`
	TargetAPI      string            `json:"target_api"`
	Headers        map[string]string `json:"headers,omitempty"`
	SkillID        string            `json:"skill_id,omitempty"`
	ProjectID      string            `json:"project_id,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	Schedule       timeplan.Schedule `json:"schedule"`
	UserTimezone   string            `json:"user_timezone,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	RateLimit      *RateLimitState   `json:"rate_limit,omitempty"`
	Response       *ResponseOptions  `json:"response,omitempty"`
}

// UpdateRequest is a partial patch; nil fields are left untouched.
type UpdateRequest struct {
	Name      *string            `json:"name,omitempty"`
	Prompt    *string            `json:"prompt,omitempty"`
	TargetAPI *string            `json:"target_api,omitempty"`
	Headers   *map[string]string `json:"headers,omitempty"`
	SkillID   *string            `json:"skill_id,omitempty"`
	Metadata  *map[string]any    `json:"metadata,omitempty"`
	Schedule  *timeplan.Schedule `json:"schedule,omitempty"`
	Timezone  *string            `json:"user_timezone,omitempty"`
	RateLimit *RateLimitState    `json:"rate_limit,omitempty"`
	Response  *ResponseOptions   `json:"response,omitempty"`
}

// ListFilter narrows List results; zero values mean "any".
type ListFilter struct {
	Status       Status
	ScheduleType timeplan.ScheduleType
	ProjectID    string
	SkillID      string
	Search       string // substring match on name and prompt
	FromDate     *time.Time
	ToDate       *time.Time
}

// PageRequest is offset pagination with bounded page size.
type PageRequest struct {
	Page      int
	Limit     int // capped at 100
	SortBy    string
	SortOrder string // "asc" | "desc"
}

const maxPageLimit = 100

// Normalize fills defaults and caps the limit.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = 20
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	if p.SortBy == "" {
		p.SortBy = "next_run_at"
	}
	if p.SortOrder != "desc" {
		p.SortOrder = "asc"
	}
	return p
}

// Page is a paginated result set.
type Page[T any] struct {
	Items      []T   `json:"items"`
	Total      int   `json:"total"`
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	TotalPages int   `json:"total_pages"`
}

func newPage[T any](items []T, total int, req PageRequest) *Page[T] {
	pages := total / req.Limit
	if total%req.Limit != 0 {
		pages++
	}
	return &Page[T]{Items: items, Total: total, Page: req.Page, Limit: req.Limit, TotalPages: pages}
}

// Statistics aggregates a tenant's jobs and executions.
type Statistics struct {
	JobsByStatus       map[Status]int     `json:"jobs_by_status"`
	ExecutionsByStatus map[ExecStatus]int `json:"executions_by_status"`
	ExecutionsToday    int                `json:"executions_today"`
	SuccessRate        float64            `json:"success_rate"`
	MeanDurationMS     int64              `json:"mean_duration_ms"`
	TotalJobs          int                `json:"total_jobs"`
	TotalExecutions    int                `json:"total_executions"`
}
