package model

// Quality tiers
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

var ValidQualities = []Quality{QualityLow, QualityMedium, QualityHigh}

// Output modes
type OutputMode string

const (
	OutputModeVideo OutputMode = "video"
	OutputModeImage OutputMode = "image"
)

// Job kinds select the orchestration flow
type JobKind string

const (
	JobKindGenerate JobKind = "generate"
	JobKindCode     JobKind = "code"
	JobKindEdit     JobKind = "edit"
)

// Job status as reported to callers
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// ProcessingStage is an advisory progress label. Authoritative state comes
// from the queue and the result store.
type ProcessingStage string

const (
	StageAnalyzing      ProcessingStage = "analyzing"
	StageGenerating     ProcessingStage = "generating"
	StageRefining       ProcessingStage = "refining"
	StageRendering      ProcessingStage = "rendering"
	StageStillRendering ProcessingStage = "still-rendering"
)

var ValidStages = []ProcessingStage{
	StageAnalyzing, StageGenerating, StageRefining, StageRendering, StageStillRendering,
}

// ParseStage returns the stage for s and false when s is not a known stage.
func ParseStage(s string) (ProcessingStage, bool) {
	stage := ProcessingStage(s)
	switch stage {
	case StageAnalyzing, StageGenerating, StageRefining, StageRendering, StageStillRendering:
		return stage, true
	}
	return "", false
}

// Progress maps a stage to a coarse percentage for progress bars. Unknown
// stages report 0.
func (s ProcessingStage) Progress() int {
	switch s {
	case StageAnalyzing:
		return 10
	case StageGenerating:
		return 30
	case StageRefining:
		return 50
	case StageRendering:
		return 70
	case StageStillRendering:
		return 85
	}
	return 0
}

// Label is the human readable description pushed to websocket subscribers.
func (s ProcessingStage) Label() string {
	switch s {
	case StageAnalyzing:
		return "Analyzing concept..."
	case StageGenerating:
		return "Generating animation code..."
	case StageRefining:
		return "Repairing animation code..."
	case StageRendering:
		return "Rendering animation..."
	case StageStillRendering:
		return "Still rendering, complex scenes take a while..."
	}
	return ""
}

// Image reference detail levels
type ImageDetail string

const (
	ImageDetailAuto ImageDetail = "auto"
	ImageDetailLow  ImageDetail = "low"
	ImageDetailHigh ImageDetail = "high"
)
