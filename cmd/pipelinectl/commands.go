package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"recording-pipeline/internal/models"
	"recording-pipeline/internal/producer"
	"recording-pipeline/internal/queue"
	"recording-pipeline/internal/status"
	"recording-pipeline/internal/storage"
	"recording-pipeline/internal/store"
)

const usage = `usage: pipelinectl <command> [flags]

commands:
  failed [-n N]                              list the most recent failed jobs
  depth                                      show queue depth per state
  probe -file F -recording R -user U -org O  submit a probe job
  ping                                       check redis, job store and object storage
  models                                     list analysis models
  job <id>                                   show a job
  status <recordingId>                       show a recording's status
`

type app struct {
	queue      *queue.RedisQueue
	store      store.JobStore
	bucket     storage.Bucket
	status     *status.Cache
	producer   *producer.Service
	listModels func(ctx context.Context) ([]string, error)
	out        io.Writer
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "failed":
		return a.failed(ctx, args)
	case "depth":
		return a.depth(ctx)
	case "probe":
		return a.probe(ctx, args)
	case "ping":
		return a.ping(ctx)
	case "models":
		return a.models(ctx)
	case "job":
		return a.job(ctx, args)
	case "status":
		return a.recordingStatus(ctx, args)
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func (a *app) failed(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("failed", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	n := fs.Int64("n", 10, "number of jobs to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *n < 1 {
		return errors.New("-n must be positive")
	}
	jobs, err := a.queue.ListFailed(ctx, *n)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(a.out, "no failed jobs")
		return nil
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tRECORDING\tATTEMPTS\tSTAGE\tFINISHED\tREASON")
	for _, j := range jobs {
		finished := "-"
		if j.FinishedAt != nil {
			finished = j.FinishedAt.UTC().Format(time.RFC3339)
		}
		stage := j.FailedStage
		if stage == "" {
			stage = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			j.ID, j.Payload.RecordingID, j.Attempts, j.MaxAttempts, stage, finished, firstLine(j.FailedReason))
	}
	return tw.Flush()
}

func (a *app) depth(ctx context.Context) error {
	c, err := a.queue.Counts(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "queue\t%s\n", a.queue.Name())
	fmt.Fprintf(tw, "waiting\t%d\n", c.Waiting)
	fmt.Fprintf(tw, "active\t%d\n", c.Active)
	fmt.Fprintf(tw, "delayed\t%d\n", c.Delayed)
	fmt.Fprintf(tw, "failed\t%d\n", c.Failed)
	fmt.Fprintf(tw, "completed\t%d\n", c.Completed)
	return tw.Flush()
}

func (a *app) probe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var req producer.SubmitRequest
	fs.StringVar(&req.FilePath, "file", "", "object key of the recording")
	fs.StringVar(&req.RecordingID, "recording", "", "recording id")
	fs.StringVar(&req.UserID, "user", "", "user id")
	fs.StringVar(&req.OrganizationID, "org", "", "organization id")
	fs.StringVar(&req.JobID, "id", "", "job id (optional)")
	fs.StringVar(&req.Priority, "priority", "", "priority tier (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	job, idempotent, err := a.producer.Submit(ctx, req)
	if err != nil {
		return err
	}
	verb := "submitted"
	if idempotent {
		verb = "already exists"
	}
	fmt.Fprintf(a.out, "%s job %s (state=%s priority=%s)\n", verb, job.ID, job.State, job.Priority)
	return nil
}

func (a *app) ping(ctx context.Context) error {
	checks := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"redis", a.queue.Ping},
		{"job store", a.store.Ping},
		{"object storage", func(ctx context.Context) error {
			_, err := a.bucket.List(ctx, "", 1)
			return err
		}},
	}
	var failed []string
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := c.fn(cctx)
		cancel()
		if err != nil {
			failed = append(failed, c.name)
			fmt.Fprintf(a.out, "%-15s FAIL %v\n", c.name, err)
			continue
		}
		fmt.Fprintf(a.out, "%-15s ok\n", c.name)
	}
	if len(failed) > 0 {
		return fmt.Errorf("unreachable: %s", strings.Join(failed, ", "))
	}
	return nil
}

func (a *app) models(ctx context.Context) error {
	names, err := a.listModels(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Fprintln(a.out, n)
	}
	return nil
}

func (a *app) job(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: job <id>")
	}
	job, err := a.queue.Get(ctx, args[0])
	if errors.Is(err, models.ErrNotFound) {
		job, err = a.store.GetJob(ctx, args[0])
	}
	if err != nil {
		return err
	}
	return a.printJSON(job)
}

func (a *app) recordingStatus(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: status <recordingId>")
	}
	rec, ok, err := a.status.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("recording %s: %w", args[0], models.ErrNotFound)
	}
	return a.printJSON(rec)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
