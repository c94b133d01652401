package sink

import (
	"context"
	"io"
	"sync"

	"cloud.google.com/go/bigquery"

	"github.com/stratusdata/bqsink/pkg/schema"
)

type insertCall struct {
	tableID string
	rows    []Row
	opts    InsertOptions
}

// fakeAPI is an in-memory API double. Error slices are consumed one per
// call; a nil or exhausted slice means success.
type fakeAPI struct {
	mu sync.Mutex

	insertCalls []insertCall
	insertErrs  []error

	createCalls []string
	createErrs  []error

	existing  map[string]bool
	existsErr error

	fetchFields []schema.Field
	fetchErr    error
	fetchCalls  int

	submitted  []*LoadJobDescriptor
	submitBody []byte
	submitErrs []error
	submitJob  LoadJob

	jobFromIDCalls []string
	jobFromIDJob   LoadJob
	jobFromIDErr   error

	closed bool
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeAPI) InsertRows(_ context.Context, tableID string, rows []Row, opts InsertOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCalls = append(f.insertCalls, insertCall{tableID: tableID, rows: rows, opts: opts})
	return popErr(&f.insertErrs)
}

func (f *fakeAPI) CreateTable(_ context.Context, tableID string, _ bigquery.Schema) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls = append(f.createCalls, tableID)
	return popErr(&f.createErrs)
}

func (f *fakeAPI) TableExists(_ context.Context, tableID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return f.existing[tableID], nil
}

func (f *fakeAPI) FetchTableSchema(_ context.Context, _ string) ([]schema.Field, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	return f.fetchFields, f.fetchErr
}

func (f *fakeAPI) SubmitLoad(_ context.Context, desc *LoadJobDescriptor, source io.Reader) (LoadJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, desc)
	body, _ := io.ReadAll(source)
	f.submitBody = body
	if err := popErr(&f.submitErrs); err != nil {
		return nil, err
	}
	if f.submitJob != nil {
		return f.submitJob, nil
	}
	return &fakeJob{id: desc.JobID, statuses: []*LoadJobStatus{{Done: true}}}, nil
}

func (f *fakeAPI) JobFromID(_ context.Context, jobID string) (LoadJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobFromIDCalls = append(f.jobFromIDCalls, jobID)
	return f.jobFromIDJob, f.jobFromIDErr
}

func (f *fakeAPI) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeJob replays a fixed status sequence; the last status repeats.
type fakeJob struct {
	id        string
	mu        sync.Mutex
	statuses  []*LoadJobStatus
	statusErr error
	polls     int
}

func (j *fakeJob) ID() string { return j.id }

func (j *fakeJob) Status(context.Context) (*LoadJobStatus, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.polls++
	if j.statusErr != nil {
		return nil, j.statusErr
	}
	if len(j.statuses) == 0 {
		return &LoadJobStatus{}, nil
	}
	st := j.statuses[0]
	if len(j.statuses) > 1 {
		j.statuses = j.statuses[1:]
	}
	return st, nil
}

type fakeFallback struct {
	mu     sync.Mutex
	chunks []Chunk
}

func (f *fakeFallback) Flush(_ context.Context, chunk Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunk)
	return nil
}
