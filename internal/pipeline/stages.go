package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"recording-pipeline/internal/analysis"
	"recording-pipeline/internal/models"
	"recording-pipeline/internal/storage"
)

// Fetch downloads the recording from object storage into the work dir.
type Fetch struct {
	Bucket   storage.Bucket
	MaxBytes int64
}

func (Fetch) Name() string { return StageFetch }

func (s Fetch) Run(ctx context.Context, run *Run) error {
	key := run.Job.Payload.FilePath
	body, err := s.Bucket.Get(ctx, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return models.TerminalError(fmt.Errorf("recording %s no longer exists", key))
	}
	if err != nil {
		return models.TransientError(err)
	}
	defer body.Close()

	limit := s.MaxBytes
	if limit <= 0 {
		limit = 100 << 20
	}
	run.SourcePath = filepath.Join(run.WorkDir, "source"+path.Ext(key))
	f, err := os.Create(run.SourcePath)
	if err != nil {
		return models.TransientError(fmt.Errorf("create source file: %w", err))
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(body, limit+1))
	if err != nil {
		return models.TransientError(fmt.Errorf("download %s: %w", key, err))
	}
	if n > limit {
		return models.TerminalError(fmt.Errorf("recording %s exceeds %d bytes", key, limit))
	}
	if n == 0 {
		return models.TerminalError(fmt.Errorf("recording %s is empty", key))
	}
	return nil
}

// Transcode converts the source audio to mono 16-bit PCM WAV with ffmpeg.
type Transcode struct {
	Runner     CommandRunner
	FFmpeg     string
	SampleRate int
}

func (Transcode) Name() string { return StageTranscode }

func (s Transcode) Run(ctx context.Context, run *Run) error {
	bin := s.FFmpeg
	if bin == "" {
		bin = "ffmpeg"
	}
	rate := s.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	out := filepath.Join(run.WorkDir, "audio.wav")
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", run.SourcePath,
		"-vn", "-ac", "1", "-ar", strconv.Itoa(rate), "-c:a", "pcm_s16le",
		out,
	}
	res, err := s.Runner.Run(ctx, bin, args...)
	if err != nil {
		if ctx.Err() != nil || res.ExitCode < 0 {
			return models.TransientError(fmt.Errorf("run %s: %w", bin, err))
		}
		return models.TerminalError(fmt.Errorf("%s exit %d: %s", bin, res.ExitCode, tail(res.Stderr, 512)))
	}
	run.AudioPath = out
	run.AudioMIME = "audio/wav"
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// Limiter bounds how often an organization may call the analysis API.
type Limiter interface {
	Allow(ctx context.Context, id string) (bool, float64, error)
}

// Analyze sends the transcoded audio to the analysis API.
type Analyze struct {
	Analyzer analysis.Analyzer
	Limiter  Limiter
	Timeout  time.Duration
}

func (Analyze) Name() string { return StageAnalyze }

func (s Analyze) Run(ctx context.Context, run *Run) error {
	if s.Limiter != nil {
		org := run.Job.Payload.OrganizationID
		allowed, _, err := s.Limiter.Allow(ctx, org)
		if err != nil {
			return models.TransientError(err)
		}
		if !allowed {
			return models.TransientError(fmt.Errorf("analysis rate limit reached for organization %s", org))
		}
	}

	audio, err := os.ReadFile(run.AudioPath)
	if err != nil {
		return models.TransientError(fmt.Errorf("read transcoded audio: %w", err))
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	a, err := s.Analyzer.Analyze(ctx, audio, run.AudioMIME)
	if err != nil {
		return err
	}
	run.Analysis = &a
	return nil
}

// AnalysisSaver stores the analysis on the durable job record.
type AnalysisSaver interface {
	SaveAnalysis(ctx context.Context, id string, a models.Analysis) error
}

// Persist writes the analysis to object storage and the job store. Keys are
// derived from the recording and job so a rerun overwrites rather than duplicates.
type Persist struct {
	Bucket storage.Bucket
	Store  AnalysisSaver
	Prefix string
}

func (Persist) Name() string { return StagePersist }

// ResultKey is the object key the analysis of job is written to.
func ResultKey(prefix string, job models.Job) string {
	return path.Join(prefix, job.Payload.RecordingID, job.ID+".json")
}

func (s Persist) Run(ctx context.Context, run *Run) error {
	if run.Analysis == nil {
		return models.TerminalError(errors.New("no analysis to persist"))
	}
	body, err := json.Marshal(struct {
		JobID          string          `json:"jobId"`
		RecordingID    string          `json:"recordingId"`
		UserID         string          `json:"userId"`
		OrganizationID string          `json:"organizationId"`
		Analysis       models.Analysis `json:"analysis"`
	}{run.Job.ID, run.Job.Payload.RecordingID, run.Job.Payload.UserID, run.Job.Payload.OrganizationID, *run.Analysis})
	if err != nil {
		return models.TerminalError(fmt.Errorf("marshal result: %w", err))
	}
	uri, err := s.Bucket.Put(ctx, ResultKey(s.Prefix, run.Job), body, "application/json")
	if err != nil {
		return models.TransientError(err)
	}
	run.ResultURI = uri
	if err := s.Store.SaveAnalysis(ctx, run.Job.ID, *run.Analysis); err != nil {
		return models.TransientError(err)
	}
	return nil
}

// DoneNotifier publishes the finished analysis to pollers.
type DoneNotifier interface {
	SetDone(ctx context.Context, recordingID, jobID string, a models.Analysis) error
}

// Notify marks the recording done in the status cache.
type Notify struct {
	Status DoneNotifier
}

func (Notify) Name() string { return StageNotify }

func (s Notify) Run(ctx context.Context, run *Run) error {
	if run.Analysis == nil {
		return models.TerminalError(errors.New("no analysis to publish"))
	}
	if err := s.Status.SetDone(ctx, run.Job.Payload.RecordingID, run.Job.ID, *run.Analysis); err != nil {
		return models.TransientError(err)
	}
	return nil
}
