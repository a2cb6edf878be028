// Package artifacts lays out per-job directories on disk:
//
//	{root}/{job_id}/config.json
//	{root}/{job_id}/artifacts/{stage}/...
//	{root}/{job_id}/logs/...
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"content-pipeline/internal/domain/model"
)

const snapshotFile = "config.json"

type Store struct {
	root string
}

func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Store{root: abs}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) JobDir(jobID string) string { return filepath.Join(s.root, jobID) }

func (s *Store) StageDir(jobID, stage string) string {
	return filepath.Join(s.root, jobID, "artifacts", stage)
}

func (s *Store) LogDir(jobID string) string { return filepath.Join(s.root, jobID, "logs") }

// Prepare creates the stage and log directories.
func (s *Store) Prepare(jobID, stage string) (stageDir, logDir string, err error) {
	stageDir, logDir = s.StageDir(jobID, stage), s.LogDir(jobID)
	for _, d := range []string{stageDir, logDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return "", "", err
		}
	}
	return stageDir, logDir, nil
}

// SnapshotPath writes the job's config snapshot on first use and returns its
// path. An existing file is never rewritten.
func (s *Store) SnapshotPath(job *model.Job) (string, error) {
	p := filepath.Join(s.JobDir(job.ID), snapshotFile)
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}
	if err := os.MkdirAll(s.JobDir(job.ID), 0o755); err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(job.Config, "", "  ")
	if err != nil {
		return "", err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return "", err
	}
	return p, os.Rename(tmp, p)
}

// Resolve maps an artifact path (relative to the job dir) to an absolute one,
// refusing anything that escapes the job directory.
func (s *Store) Resolve(jobID, rel string) (string, error) {
	base := s.JobDir(jobID)
	p := filepath.Join(base, filepath.FromSlash(rel))
	if p != base && !strings.HasPrefix(p, base+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %q escapes job dir", rel)
	}
	return p, nil
}

// Describe fingerprints a produced file for registration. Path in the
// result is relative to jobDir and slash-separated.
func Describe(jobDir, path string, kind model.ArtifactKind) (model.ArtifactSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.ArtifactSpec{}, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return model.ArtifactSpec{}, err
	}
	if st.IsDir() {
		return model.ArtifactSpec{}, fmt.Errorf("%s is a directory", path)
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return model.ArtifactSpec{}, err
	}
	rel, err := filepath.Rel(jobDir, path)
	if err != nil {
		return model.ArtifactSpec{}, err
	}
	return model.ArtifactSpec{
		Kind:   kind,
		Path:   filepath.ToSlash(rel),
		Digest: hex.EncodeToString(h.Sum(nil)),
		Size:   st.Size(),
		Meta: map[string]string{
			"source":       filepath.Base(path),
			"generated_at": st.ModTime().UTC().Format(time.RFC3339),
			"size":         fmt.Sprint(st.Size()),
		},
	}, nil
}

// Glob returns regular, non-empty files matching pattern inside dir.
func Glob(dir, pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range matches {
		st, err := os.Stat(m)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if st.Mode().IsRegular() && st.Size() > 0 {
			out = append(out, m)
		}
	}
	return out, nil
}
