package model

type StageStatus string

const (
	StageSuccess StageStatus = "success"
	StageFailure StageStatus = "failure"
)

// ErrorInfo describes why a stage or job failed.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

// StageResult is the uniform outcome of a stage adapter call.
type StageResult struct {
	Status    StageStatus
	Artifacts []ArtifactSpec
	Error     *ErrorInfo
	// Skipped is set when existing outputs were reused and no work ran.
	Skipped bool
}

func Succeeded(arts []ArtifactSpec) StageResult {
	return StageResult{Status: StageSuccess, Artifacts: arts}
}

func Failed(kind, msg string) StageResult {
	return StageResult{Status: StageFailure, Error: &ErrorInfo{Kind: kind, Message: msg}}
}
