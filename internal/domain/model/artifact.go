package model

import "time"

type ArtifactKind string

const (
	ArtifactBrief      ArtifactKind = "brief"
	ArtifactOutline    ArtifactKind = "outline"
	ArtifactScript     ArtifactKind = "script"
	ArtifactStoryboard ArtifactKind = "storyboard"
	ArtifactAsset      ArtifactKind = "asset"
	ArtifactAudio      ArtifactKind = "audio"
	ArtifactVideo      ArtifactKind = "video"
	ArtifactReport     ArtifactKind = "report"
	ArtifactBlog       ArtifactKind = "blog"
)

// Artifact is an immutable registration of a file a stage produced.
type Artifact struct {
	ID        int64             `json:"id"`
	JobID     string            `json:"job_id"`
	Stage     string            `json:"stage"`
	Kind      ArtifactKind      `json:"kind"`
	Path      string            `json:"path"`
	Version   int               `json:"version"`
	Digest    string            `json:"digest"`
	Size      int64             `json:"size"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ArtifactSpec is what a stage adapter reports; Path is relative to the job directory.
type ArtifactSpec struct {
	Kind   ArtifactKind
	Path   string
	Digest string
	Size   int64
	Meta   map[string]string
}

// ArtifactsOfKind filters arts by kind, keeping the latest version per path.
func ArtifactsOfKind(arts []Artifact, kind ArtifactKind) []Artifact {
	latest := map[string]int{}
	var out []Artifact
	for _, a := range arts {
		if a.Kind != kind {
			continue
		}
		if i, ok := latest[a.Path]; ok {
			if a.Version > out[i].Version {
				out[i] = a
			}
			continue
		}
		latest[a.Path] = len(out)
		out = append(out, a)
	}
	return out
}
