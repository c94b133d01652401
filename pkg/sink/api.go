package sink

import (
	"context"
	"io"
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/stratusdata/bqsink/pkg/schema"
)

// Row is one streaming-insert wire row: the projected record plus an
// optional dedup key.
type Row struct {
	JSON     map[string]interface{} `json:"json"`
	InsertID string                 `json:"insert_id,omitempty"`
}

// InsertOptions carries the per-request streaming insert flags.
type InsertOptions struct {
	SkipInvalidRows     bool
	IgnoreUnknownValues bool
	TemplateSuffix      string
}

// LoadJobDescriptor describes one load-job submission.
type LoadJobDescriptor struct {
	Project string
	Dataset string
	TableID string
	Suffix  string

	// Schema is omitted (nil) when the destination table pre-exists; the
	// live schema takes precedence over the locally held one.
	Schema bigquery.Schema

	MaxBadRecords       int64
	IgnoreUnknownValues bool

	// JobID, when set, makes resubmission of the identical batch reuse the
	// same job instead of creating a duplicate.
	JobID string
}

// Destination returns the full destination table id (table + suffix).
func (d *LoadJobDescriptor) Destination() string {
	return d.TableID + d.Suffix
}

// JobError is one error entry reported by a load job.
type JobError struct {
	Message  string
	Reason   string
	Location string
}

// LoadJobStatus is a poll snapshot of a submitted load job.
type LoadJobStatus struct {
	Done bool
	// RowErrors are per-row failures; logged, never fatal by themselves.
	RowErrors []JobError
	// Result is the job-level error result, nil on success.
	Result *JobError
}

// LoadJob is a handle to a submitted load job.
type LoadJob interface {
	ID() string
	Status(ctx context.Context) (*LoadJobStatus, error)
}

// API is the narrow warehouse surface the delivery strategies use. Tests
// substitute fakes; production wraps the BigQuery client.
type API interface {
	InsertRows(ctx context.Context, tableID string, rows []Row, opts InsertOptions) error
	CreateTable(ctx context.Context, tableID string, tableSchema bigquery.Schema) error
	TableExists(ctx context.Context, tableID string) (bool, error)
	FetchTableSchema(ctx context.Context, tableID string) ([]schema.Field, error)
	SubmitLoad(ctx context.Context, desc *LoadJobDescriptor, source io.Reader) (LoadJob, error)
	JobFromID(ctx context.Context, jobID string) (LoadJob, error)
	Close() error
}

// bigqueryAPI implements API over the BigQuery client.
type bigqueryAPI struct {
	client         *bigquery.Client
	dataset        string
	requestTimeout time.Duration
}

// NewBigQueryAPI wraps a BigQuery client as the delivery API. requestTimeout
// bounds each remote call; zero means no per-call deadline.
func NewBigQueryAPI(client *bigquery.Client, dataset string, requestTimeout time.Duration) API {
	return &bigqueryAPI{client: client, dataset: dataset, requestTimeout: requestTimeout}
}

func (b *bigqueryAPI) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.requestTimeout > 0 {
		return context.WithTimeout(ctx, b.requestTimeout)
	}
	return ctx, func() {}
}

// rowSaver adapts a Row to the inserter, carrying the insert id through.
type rowSaver struct {
	row Row
}

func (s rowSaver) Save() (map[string]bigquery.Value, string, error) {
	values := make(map[string]bigquery.Value, len(s.row.JSON))
	for k, v := range s.row.JSON {
		values[k] = v
	}
	return values, s.row.InsertID, nil
}

func (b *bigqueryAPI) InsertRows(ctx context.Context, tableID string, rows []Row, opts InsertOptions) error {
	ctx, cancel := b.callCtx(ctx)
	defer cancel()

	inserter := b.client.Dataset(b.dataset).Table(tableID).Inserter()
	inserter.SkipInvalidRows = opts.SkipInvalidRows
	inserter.IgnoreUnknownValues = opts.IgnoreUnknownValues
	inserter.TableTemplateSuffix = opts.TemplateSuffix

	savers := make([]bigquery.ValueSaver, len(rows))
	for i, row := range rows {
		savers[i] = rowSaver{row: row}
	}
	return inserter.Put(ctx, savers)
}

func (b *bigqueryAPI) CreateTable(ctx context.Context, tableID string, tableSchema bigquery.Schema) error {
	ctx, cancel := b.callCtx(ctx)
	defer cancel()

	return b.client.Dataset(b.dataset).Table(tableID).Create(ctx, &bigquery.TableMetadata{
		Schema: tableSchema,
	})
}

func (b *bigqueryAPI) TableExists(ctx context.Context, tableID string) (bool, error) {
	ctx, cancel := b.callCtx(ctx)
	defer cancel()

	_, err := b.client.Dataset(b.dataset).Table(tableID).Metadata(ctx)
	if err != nil {
		if statusCode(err) == 404 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *bigqueryAPI) FetchTableSchema(ctx context.Context, tableID string) ([]schema.Field, error) {
	ctx, cancel := b.callCtx(ctx)
	defer cancel()

	md, err := b.client.Dataset(b.dataset).Table(tableID).Metadata(ctx)
	if err != nil {
		return nil, err
	}
	return schema.FieldsFromBigQuery(md.Schema), nil
}

func (b *bigqueryAPI) SubmitLoad(ctx context.Context, desc *LoadJobDescriptor, source io.Reader) (LoadJob, error) {
	ctx, cancel := b.callCtx(ctx)
	defer cancel()

	rs := bigquery.NewReaderSource(source)
	rs.SourceFormat = bigquery.JSON
	rs.MaxBadRecords = desc.MaxBadRecords
	rs.IgnoreUnknownValues = desc.IgnoreUnknownValues
	rs.Schema = desc.Schema

	loader := b.client.Dataset(b.dataset).Table(desc.Destination()).LoaderFrom(rs)
	loader.WriteDisposition = bigquery.WriteAppend
	if desc.JobID != "" {
		loader.JobIDConfig = bigquery.JobIDConfig{JobID: desc.JobID}
	}

	job, err := loader.Run(ctx)
	if err != nil {
		return nil, err
	}
	return &bigqueryJob{job: job}, nil
}

func (b *bigqueryAPI) JobFromID(ctx context.Context, jobID string) (LoadJob, error) {
	ctx, cancel := b.callCtx(ctx)
	defer cancel()

	job, err := b.client.JobFromID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &bigqueryJob{job: job}, nil
}

func (b *bigqueryAPI) Close() error {
	return b.client.Close()
}

type bigqueryJob struct {
	job *bigquery.Job
}

func (j *bigqueryJob) ID() string {
	return j.job.ID()
}

func (j *bigqueryJob) Status(ctx context.Context) (*LoadJobStatus, error) {
	st, err := j.job.Status(ctx)
	if err != nil {
		return nil, err
	}

	out := &LoadJobStatus{Done: st.Done()}
	for _, e := range st.Errors {
		out.RowErrors = append(out.RowErrors, JobError{
			Message:  e.Message,
			Reason:   e.Reason,
			Location: e.Location,
		})
	}
	if err := st.Err(); err != nil {
		if bqErr, ok := err.(*bigquery.Error); ok {
			out.Result = &JobError{Message: bqErr.Message, Reason: bqErr.Reason, Location: bqErr.Location}
		} else {
			out.Result = &JobError{Message: err.Error()}
		}
	}
	return out, nil
}
