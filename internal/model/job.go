package model

import "time"

// ReferenceImage is an image handed to the scene designer alongside the concept
type ReferenceImage struct {
	URL    string      `json:"url" validate:"required,max=2000000"`
	Detail ImageDetail `json:"detail,omitempty" validate:"omitempty,oneof=auto low high"`
}

// ModelOverride replaces the default LLM endpoint for every call of one job
type ModelOverride struct {
	Endpoint string `json:"endpoint" validate:"required,url"`
	Key      string `json:"key" validate:"required"`
	Model    string `json:"model" validate:"required"`
}

// RoleOverride replaces the system and/or user template of one prompt role
type RoleOverride struct {
	System string `json:"system,omitempty" validate:"max=20000"`
	User   string `json:"user,omitempty" validate:"max=20000"`
}

type RoleOverrides struct {
	ConceptDesigner *RoleOverride `json:"conceptDesigner,omitempty"`
	CodeGeneration  *RoleOverride `json:"codeGeneration,omitempty"`
	CodeRetry       *RoleOverride `json:"codeRetry,omitempty"`
	CodeEdit        *RoleOverride `json:"codeEdit,omitempty"`
}

type SharedOverrides struct {
	Knowledge string `json:"knowledge,omitempty" validate:"max=40000"`
	Rules     string `json:"rules,omitempty" validate:"max=40000"`
}

// PromptOverrides carries caller supplied prompt templates
type PromptOverrides struct {
	Roles  RoleOverrides   `json:"roles,omitempty"`
	Shared SharedOverrides `json:"shared,omitempty"`
}

// IsEmpty reports whether no template is actually overridden.
func (p *PromptOverrides) IsEmpty() bool {
	if p == nil {
		return true
	}
	for _, r := range []*RoleOverride{p.Roles.ConceptDesigner, p.Roles.CodeGeneration, p.Roles.CodeRetry, p.Roles.CodeEdit} {
		if r != nil && (r.System != "" || r.User != "") {
			return false
		}
	}
	return p.Shared.Knowledge == "" && p.Shared.Rules == ""
}

// VideoConfig tunes the renderer for one job
type VideoConfig struct {
	Quality        Quality `json:"quality,omitempty" validate:"omitempty,oneof=low medium high"`
	FrameRate      int     `json:"frameRate,omitempty" validate:"omitempty,min=1,max=120"`
	TimeoutSeconds int     `json:"timeout,omitempty" validate:"omitempty,min=10,max=3600"`
}

// GenerateRequest is the body of POST /api/generate
type GenerateRequest struct {
	Concept         string           `json:"concept" validate:"required,max=2000"`
	OutputMode      OutputMode       `json:"outputMode" validate:"omitempty,oneof=video image"`
	Quality         Quality          `json:"quality" validate:"omitempty,oneof=low medium high"`
	ForceRefresh    bool             `json:"forceRefresh"`
	Code            string           `json:"code,omitempty" validate:"max=200000"`
	ReferenceImages []ReferenceImage `json:"referenceImages,omitempty" validate:"max=4,dive"`
	ModelOverride   *ModelOverride   `json:"modelOverride,omitempty"`
	PromptOverrides *PromptOverrides `json:"promptOverrides,omitempty"`
	VideoConfig     *VideoConfig     `json:"videoConfig,omitempty"`
}

// ModifyRequest is the body of POST /api/modify
type ModifyRequest struct {
	Concept         string           `json:"concept" validate:"required,max=2000"`
	Instructions    string           `json:"instructions" validate:"required,max=10000"`
	Code            string           `json:"code" validate:"required,max=200000"`
	OutputMode      OutputMode       `json:"outputMode" validate:"omitempty,oneof=video image"`
	Quality         Quality          `json:"quality" validate:"omitempty,oneof=low medium high"`
	ModelOverride   *ModelOverride   `json:"modelOverride,omitempty"`
	PromptOverrides *PromptOverrides `json:"promptOverrides,omitempty"`
	VideoConfig     *VideoConfig     `json:"videoConfig,omitempty"`
}

// CancelRequest is the optional body of POST /api/jobs/:jobId/cancel
type CancelRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

// JobPayload is the task payload carried through the queue
type JobPayload struct {
	JobID            string           `json:"jobId"`
	Kind             JobKind          `json:"kind"`
	Concept          string           `json:"concept"`
	Quality          Quality          `json:"quality"`
	OutputMode       OutputMode       `json:"outputMode"`
	ForceRefresh     bool             `json:"forceRefresh,omitempty"`
	Code             string           `json:"code,omitempty"`
	EditInstructions string           `json:"editInstructions,omitempty"`
	ReferenceImages  []ReferenceImage `json:"referenceImages,omitempty"`
	ModelOverride    *ModelOverride   `json:"modelOverride,omitempty"`
	PromptOverrides  *PromptOverrides `json:"promptOverrides,omitempty"`
	VideoConfig      *VideoConfig     `json:"videoConfig,omitempty"`
	SubmittedAt      time.Time        `json:"submittedAt"`
}

// SubmitResponse is returned when a job is accepted
type SubmitResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
	Message string    `json:"message"`
}

// Timings holds per stage wall clock durations in milliseconds
type Timings map[string]int64

// JobOutcome holds the terminal fields of a job
type JobOutcome struct {
	ArtifactURL    string     `json:"artifactUrl,omitempty"`
	ImageURLs      []string   `json:"imageUrls,omitempty"`
	Code           string     `json:"code,omitempty"`
	UsedAI         bool       `json:"usedAI"`
	Quality        Quality    `json:"quality,omitempty"`
	OutputMode     OutputMode `json:"outputMode,omitempty"`
	GenerationType string     `json:"generationType,omitempty"`
	Attempts       int        `json:"attempts,omitempty"`
	PeakMemoryMB   float64    `json:"peakMemoryMB,omitempty"`
	Timings        Timings    `json:"timings,omitempty"`
	Error          string     `json:"error,omitempty"`
	Details        string     `json:"details,omitempty"`
	CancelReason   string     `json:"cancelReason,omitempty"`
}

// JobResult is the durable terminal record of a job
type JobResult struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	JobOutcome
}

// JobStatusResponse is returned by GET /api/jobs/:jobId
type JobStatusResponse struct {
	JobID    string          `json:"jobId"`
	Status   JobStatus       `json:"status"`
	Stage    ProcessingStage `json:"stage,omitempty"`
	Progress int             `json:"progress,omitempty"`
	*JobOutcome
}

// CacheEntry is an immutable concept cache record
type CacheEntry struct {
	JobID          string     `json:"jobId"`
	Concept        string     `json:"concept"`
	Quality        Quality    `json:"quality"`
	OutputMode     OutputMode `json:"outputMode"`
	Code           string     `json:"code"`
	ArtifactURL    string     `json:"artifactUrl"`
	ImageURLs      []string   `json:"imageUrls,omitempty"`
	GenerationType string     `json:"generationType"`
	UsedAI         bool       `json:"usedAI"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
}

// CancelRecord marks a job as cancelled by a caller
type CancelRecord struct {
	JobID     string    `json:"jobId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Cancel states reported by the cancel endpoint
const (
	CancelStateCancelled = "cancelled"
	CancelStateCompleted = "completed"
	CancelStateFailed    = "failed"
)

// CancelResponse is returned by POST /api/jobs/:jobId/cancel
type CancelResponse struct {
	JobID  string `json:"jobId"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
	// QueueState is the queue's view of the task when the cancel arrived
	QueueState string `json:"queueState,omitempty"`
}
