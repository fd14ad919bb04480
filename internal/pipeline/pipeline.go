// Package pipeline runs a job through an ordered list of named stages.
//
// Every stage may fail on its own; the returned error is always a
// *models.StageError naming the stage, so a failed job records exactly where
// it stopped. Stages must tolerate being re-run after a partial attempt.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"recording-pipeline/internal/models"
	"recording-pipeline/internal/telemetry"
)

// Stage names.
const (
	StageFetch     = "fetch"
	StageTranscode = "transcode"
	StageAnalyze   = "analyze"
	StagePersist   = "persist"
	StageNotify    = "notify"
)

// Stage is one step of processing a job.
type Stage interface {
	Name() string
	Run(ctx context.Context, run *Run) error
}

// Run carries the artefacts of one attempt from stage to stage.
type Run struct {
	Job        models.Job
	WorkDir    string
	SourcePath string
	AudioPath  string
	AudioMIME  string
	Analysis   *models.Analysis
	ResultURI  string
}

// BeforeStage is called before each stage. A non-nil error stops the run and is returned unchanged.
type BeforeStage func(ctx context.Context, stage string) error

// Pipeline is an ordered list of stages.
type Pipeline struct {
	stages  []Stage
	workDir string
}

// New builds a pipeline. Scratch directories are created under workDir, or the OS temp dir when empty.
func New(workDir string, stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, workDir: workDir}
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Execute runs every stage for job and returns the final Run.
func (p *Pipeline) Execute(ctx context.Context, job models.Job, before BeforeStage) (*Run, error) {
	dir, err := os.MkdirTemp(p.workDir, "job-")
	if err != nil {
		return nil, &models.StageError{Stage: p.first(), Kind: models.Transient, Err: fmt.Errorf("create work dir: %w", err)}
	}
	defer os.RemoveAll(dir)

	run := &Run{Job: job, WorkDir: dir}
	for _, stage := range p.stages {
		name := stage.Name()
		if before != nil {
			if err := before(ctx, name); err != nil {
				return run, err
			}
		}
		if err := ctx.Err(); err != nil {
			return run, &models.StageError{Stage: name, Kind: models.Transient, Err: err}
		}

		start := time.Now()
		err := runStage(ctx, stage, run)
		telemetry.StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			se := attribute(name, err)
			telemetry.StageFailures.WithLabelValues(name, se.Kind.String()).Inc()
			return run, se
		}
	}
	return run, nil
}

func (p *Pipeline) first() string {
	if len(p.stages) == 0 {
		return ""
	}
	return p.stages[0].Name()
}

func runStage(ctx context.Context, stage Stage, run *Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &models.StageError{
				Kind:  models.Terminal,
				Err:   fmt.Errorf("panic: %v", r),
				Trace: string(debug.Stack()),
			}
		}
	}()
	return stage.Run(ctx, run)
}

// attribute returns err as a StageError for stage. Unclassified errors are transient.
func attribute(stage string, err error) *models.StageError {
	var se *models.StageError
	if errors.As(err, &se) {
		out := *se
		if out.Stage == "" {
			out.Stage = stage
		}
		return &out
	}
	return &models.StageError{Stage: stage, Kind: models.Transient, Err: err}
}
