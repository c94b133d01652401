package sink

import (
	"context"
	"crypto/sha1" //nolint:gosec // job id fingerprint, not a security boundary
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/stratusdata/bqsink/pkg/bqerrors"
	jsonx "github.com/stratusdata/bqsink/pkg/json"
	"github.com/stratusdata/bqsink/pkg/metrics"
)

const jobIDPrefix = "bqsink_job_"

// loadStrategy delivers chunks as batch load jobs: stage the chunk as
// newline-delimited JSON, submit one load per chunk, poll until the job
// finishes.
type loadStrategy struct {
	e *Engine
}

// Format transforms and projects one record into an NDJSON line. Load jobs
// have no per-row dedup and the source format carries nested structures
// natively, so no insert id is attached and nested objects pass through
// unflattened.
func (s *loadStrategy) Format(record map[string]interface{}, t time.Time) ([]byte, error) {
	e := s.e

	if e.cfg.TemplateSuffix != "" {
		if err := e.fetchSchema(context.Background(), true); err != nil {
			return nil, err
		}
	}

	if e.keyReplacer != nil {
		record = e.keyReplacer.Apply(record)
	}
	record = e.timeInjector.Inject(record, t)

	row := e.registry.Format(record)
	if row == nil {
		return nil, nil
	}

	line, err := jsonx.Marshal(row)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// Deliver submits the chunk as one load job against a single resolved
// destination and waits for the job to finish.
func (s *loadStrategy) Deliver(ctx context.Context, chunk Chunk, tableTemplate, suffixTemplate string) error {
	e := s.e
	now := e.clock()

	tableID, err := e.resolver.Resolve(tableTemplate, now, nil, chunk.Key())
	if err != nil {
		return err
	}
	var suffix string
	if suffixTemplate != "" {
		suffix, err = e.resolver.Resolve(suffixTemplate, now, nil, chunk.Key())
		if err != nil {
			return err
		}
	}

	api, err := e.sessions.get(ctx)
	if err != nil {
		return err
	}

	desc := &LoadJobDescriptor{
		Project:             e.cfg.Project,
		Dataset:             e.cfg.Dataset,
		TableID:             tableID,
		Suffix:              suffix,
		MaxBadRecords:       e.cfg.MaxBadRecords,
		IgnoreUnknownValues: e.cfg.IgnoreUnknownValues,
	}

	// A pre-existing table's live schema wins; sending ours alongside would
	// mask drift. Only a table yet to be created gets the local schema.
	// When the existence check itself fails, submission proceeds with the
	// local schema as long as there is one.
	exists, err := api.TableExists(ctx, desc.Destination())
	if err != nil && e.registry.Empty() {
		return bqerrors.Wrap(err, bqerrors.ErrorTypeSchema,
			"failed to check destination table and no schema is available")
	}
	if err != nil {
		e.logger.Warn("failed to check destination table, sending local schema",
			zap.String("table", desc.Destination()), zap.Error(err))
	}
	if err != nil || !exists {
		if e.registry.Empty() {
			return bqerrors.New(bqerrors.ErrorTypeSchema, "Schema is empty")
		}
		desc.Schema = e.registry.ToBigQuery()
	}

	if e.cfg.PreventDuplicateLoad {
		desc.JobID = s.jobID(chunk.UniqueID(), desc)
	}

	source, cleanup, err := s.stage(chunk)
	if err != nil {
		return err
	}
	defer cleanup()

	job, err := api.SubmitLoad(ctx, desc, source)
	if err != nil {
		return s.submitError(ctx, api, desc, err)
	}

	e.logger.Info("load job submitted",
		zap.String("job_id", job.ID()),
		zap.String("table", desc.Destination()))
	metrics.LoadJobs.WithLabelValues("submitted").Inc()

	if err := s.waitJob(ctx, job, desc); err != nil {
		return err
	}
	metrics.RowsDelivered.WithLabelValues("load", desc.Destination()).Add(float64(len(chunk.Rows())))
	return nil
}

// jobID derives a deterministic job id from the chunk identity and every
// request knob that changes the job's meaning.
func (s *loadStrategy) jobID(uniqueID string, desc *LoadJobDescriptor) string {
	fields := s.e.registry.Fields()
	schemaJSON, _ := jsonx.Marshal(fields)

	h := sha1.New() //nolint:gosec
	fmt.Fprintf(h, "%s%s%s%s%s%d%t",
		uniqueID, desc.Dataset, desc.TableID, desc.Suffix,
		schemaJSON, desc.MaxBadRecords, desc.IgnoreUnknownValues)
	return jobIDPrefix + hex.EncodeToString(h.Sum(nil))
}

// stage materializes the chunk as an NDJSON reader for the load request.
// File-backed chunks are streamed in place; everything else goes through a
// temp file so large chunks never sit in memory twice. The returned cleanup
// must always run.
func (s *loadStrategy) stage(chunk Chunk) (io.Reader, func(), error) {
	if path, ok := chunk.Path(); ok && !s.e.cfg.CompressLoad {
		f, err := os.Open(path) //nolint:gosec // G304: buffer file owned by this process
		if err != nil {
			return nil, func() {}, bqerrors.Wrap(err, bqerrors.ErrorTypeData, "failed to open chunk file")
		}
		return f, func() { f.Close() }, nil
	}

	tmp, err := os.CreateTemp("", "bqsink-load-")
	if err != nil {
		return nil, func() {}, bqerrors.Wrap(err, bqerrors.ErrorTypeData, "failed to create staging file")
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	src, err := chunk.Open()
	if err != nil {
		cleanup()
		return nil, func() {}, bqerrors.Wrap(err, bqerrors.ErrorTypeData, "failed to open chunk")
	}
	defer src.Close()

	var dst io.Writer = tmp
	var gz *gzip.Writer
	if s.e.cfg.CompressLoad {
		gz = gzip.NewWriter(tmp)
		dst = gz
	}
	if _, err := io.Copy(dst, src); err != nil {
		cleanup()
		return nil, func() {}, bqerrors.Wrap(err, bqerrors.ErrorTypeData, "failed to stage chunk")
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			cleanup()
			return nil, func() {}, bqerrors.Wrap(err, bqerrors.ErrorTypeData, "failed to finish compressing chunk")
		}
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, func() {}, bqerrors.Wrap(err, bqerrors.ErrorTypeData, "failed to rewind staging file")
	}
	return tmp, cleanup, nil
}

// submitError handles a failed job submission. A 409 with a deterministic
// job id means the identical batch was already submitted; adopt the live
// job and wait on it instead of failing the chunk.
func (s *loadStrategy) submitError(ctx context.Context, api API, desc *LoadJobDescriptor, err error) error {
	e := s.e
	e.sessions.invalidate()

	if desc.JobID != "" && statusCode(err) == 409 && strings.Contains(err.Error(), "Already Exists") {
		e.logger.Info("load job already submitted, adopting it",
			zap.String("job_id", desc.JobID),
			zap.String("table", desc.Destination()))
		job, jerr := api.JobFromID(ctx, desc.JobID)
		if jerr != nil {
			return e.outcomeError(OutcomeRetry, jerr, "failed to look up existing load job")
		}
		return s.waitJob(ctx, job, desc)
	}

	e.logger.Error("jobs.insert API",
		zap.String("project", desc.Project),
		zap.String("dataset", desc.Dataset),
		zap.String("table", desc.Destination()),
		zap.Int("code", statusCode(err)),
		zap.String("reason", errorReason(err)),
		zap.Error(err))

	// Server-side failures during submission are worth a resend even when
	// the reason string is unrecognized.
	outcome := e.classifier.ClassifyErr(err)
	if outcome != OutcomeRetry && statusCode(err) >= 500 {
		outcome = OutcomeRetry
	}
	return e.outcomeError(outcome, err, "failed to submit load job")
}

// waitJob polls the job until done, the attempt budget runs out, or the
// context is canceled.
func (s *loadStrategy) waitJob(ctx context.Context, job LoadJob, desc *LoadJobDescriptor) error {
	e := s.e

	ticker := time.NewTicker(e.cfg.LoadPollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		status, err := job.Status(ctx)
		if err != nil {
			e.sessions.invalidate()
			return e.outcomeError(OutcomeRetry, err, "failed to poll load job")
		}
		if status.Done {
			return s.finishJob(job, desc, status)
		}

		if e.cfg.LoadPollMaxAttempts > 0 && attempt >= e.cfg.LoadPollMaxAttempts {
			metrics.LoadJobs.WithLabelValues("timeout").Inc()
			return e.outcomeError(OutcomeRetry,
				fmt.Errorf("load job %s still running after %d polls", job.ID(), attempt),
				"load job poll budget exhausted")
		}

		select {
		case <-ctx.Done():
			return bqerrors.Wrap(ctx.Err(), bqerrors.ErrorTypeRetryable, "canceled while waiting for load job")
		case <-ticker.C:
		}
	}
}

// finishJob reports row-level errors and classifies the job-level result.
func (s *loadStrategy) finishJob(job LoadJob, desc *LoadJobDescriptor, status *LoadJobStatus) error {
	e := s.e

	for _, rowErr := range status.RowErrors {
		e.logger.Warn("load job row error",
			zap.String("job_id", job.ID()),
			zap.String("table", desc.Destination()),
			zap.String("reason", rowErr.Reason),
			zap.String("location", rowErr.Location),
			zap.String("message", rowErr.Message))
	}

	if status.Result == nil {
		e.logger.Info("load job finished",
			zap.String("job_id", job.ID()),
			zap.String("table", desc.Destination()))
		metrics.LoadJobs.WithLabelValues("done").Inc()
		return nil
	}

	e.sessions.invalidate()
	e.logger.Error("load job failed",
		zap.String("job_id", job.ID()),
		zap.String("table", desc.Destination()),
		zap.String("reason", status.Result.Reason),
		zap.String("message", status.Result.Message))
	metrics.LoadJobs.WithLabelValues("failed").Inc()

	outcome := e.classifier.Classify(0, status.Result.Reason)
	return e.outcomeError(outcome, fmt.Errorf("load job %s: %s (%s)",
		job.ID(), status.Result.Message, status.Result.Reason),
		"load job failed")
}
