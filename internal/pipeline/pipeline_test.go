package pipeline

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recording-pipeline/internal/models"
)

type funcStage struct {
	name string
	fn   func(ctx context.Context, run *Run) error
}

func (s funcStage) Name() string                            { return s.name }
func (s funcStage) Run(ctx context.Context, run *Run) error { return s.fn(ctx, run) }

func ok(name string, trace *[]string) Stage {
	return funcStage{name: name, fn: func(context.Context, *Run) error {
		*trace = append(*trace, name)
		return nil
	}}
}

func TestExecuteRunsStagesInOrder(t *testing.T) {
	var trace, before []string
	p := New(t.TempDir(), ok("a", &trace), ok("b", &trace), ok("c", &trace))
	assert.Equal(t, []string{"a", "b", "c"}, p.Stages())

	var workDir string
	p.stages = append(p.stages, funcStage{name: "d", fn: func(_ context.Context, run *Run) error {
		workDir = run.WorkDir
		_, err := os.Stat(run.WorkDir)
		return err
	}})

	run, err := p.Execute(context.Background(), models.Job{ID: "job-1"}, func(_ context.Context, stage string) error {
		before = append(before, stage)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", run.Job.ID)
	assert.Equal(t, []string{"a", "b", "c"}, trace)
	assert.Equal(t, []string{"a", "b", "c", "d"}, before)

	_, err = os.Stat(workDir)
	assert.True(t, os.IsNotExist(err), "work dir is removed after the run")
}

func TestExecuteAttributesFailureToStage(t *testing.T) {
	var trace []string
	boom := errors.New("boom")
	p := New(t.TempDir(),
		ok("fetch", &trace),
		funcStage{name: "transcode", fn: func(context.Context, *Run) error { return models.TerminalError(boom) }},
		ok("analyze", &trace),
	)

	_, err := p.Execute(context.Background(), models.Job{ID: "job-1"}, nil)
	var se *models.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "transcode", se.Stage)
	assert.Equal(t, models.Terminal, se.Kind)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"fetch"}, trace)
}

func TestExecuteUnclassifiedErrorsAreTransient(t *testing.T) {
	p := New(t.TempDir(), funcStage{name: "persist", fn: func(context.Context, *Run) error { return errors.New("conn reset") }})
	_, err := p.Execute(context.Background(), models.Job{ID: "job-1"}, nil)
	assert.False(t, models.IsTerminal(err))
	assert.Equal(t, "persist", models.FailedStage(err))
}

func TestExecuteRecoversPanics(t *testing.T) {
	p := New(t.TempDir(), funcStage{name: "analyze", fn: func(context.Context, *Run) error { panic("nil map") }})
	_, err := p.Execute(context.Background(), models.Job{ID: "job-1"}, nil)
	var se *models.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "analyze", se.Stage)
	assert.True(t, models.IsTerminal(err))
	assert.Contains(t, se.Trace, "goroutine")
}

func TestExecuteBeforeHookAborts(t *testing.T) {
	var trace []string
	lost := errors.New("lease lost")
	p := New(t.TempDir(), ok("fetch", &trace), ok("transcode", &trace))

	_, err := p.Execute(context.Background(), models.Job{ID: "job-1"}, func(_ context.Context, stage string) error {
		if stage == "transcode" {
			return lost
		}
		return nil
	})
	assert.Same(t, lost, err)
	assert.Equal(t, []string{"fetch"}, trace)
}

func TestExecuteStopsOnCancelledContext(t *testing.T) {
	var trace []string
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(t.TempDir(), ok("fetch", &trace))
	_, err := p.Execute(ctx, models.Job{ID: "job-1"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, trace)
}
