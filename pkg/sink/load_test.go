package sink

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratusdata/bqsink/pkg/bqerrors"
	"github.com/stratusdata/bqsink/pkg/config"
	jsonx "github.com/stratusdata/bqsink/pkg/json"
	"github.com/stratusdata/bqsink/pkg/schema"
)

func loadConfig(cfg *config.Config) {
	cfg.Method = config.MethodLoad
	cfg.LoadPollInterval = time.Millisecond
}

func TestLoadDeliver(t *testing.T) {
	fake := &fakeAPI{existing: map[string]bool{"events": true}}
	e := newTestEngine(t, fake, loadConfig)

	chunk := buildChunk(t, e,
		"c1",
		map[string]interface{}{"name": "alice"},
		map[string]interface{}{"name": "bob"},
	)
	require.NoError(t, e.Write(context.Background(), chunk))

	require.Len(t, fake.submitted, 1)
	desc := fake.submitted[0]
	assert.Equal(t, "events", desc.TableID)
	assert.Empty(t, desc.JobID)

	// The staged payload is one JSON object per line.
	lines := strings.Split(strings.TrimSpace(string(fake.submitBody)), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"name":"alice"}`, lines[0])
	assert.JSONEq(t, `{"name":"bob"}`, lines[1])
}

func TestLoadFormatKeepsNestedObjects(t *testing.T) {
	e := newTestEngine(t, &fakeAPI{}, func(cfg *config.Config) {
		loadConfig(cfg)
		cfg.ConvertHashToJSON = true
	})
	require.NoError(t, e.Registry().LoadSchema([]schema.Field{
		{Name: "name", Type: schema.TypeString},
		{Name: "meta", Type: schema.TypeRecord, Fields: []schema.Field{
			{Name: "ip", Type: schema.TypeString},
		}},
	}, true))

	line, err := e.Format("test", testNow, map[string]interface{}{
		"name": "a",
		"meta": map[string]interface{}{"ip": "10.0.0.1"},
	})
	require.NoError(t, err)

	// The load source format carries nested structures natively, so
	// hash-to-JSON must not flatten RECORD fields out of the row.
	var row map[string]interface{}
	require.NoError(t, jsonx.Unmarshal(line, &row))
	meta, ok := row["meta"].(map[string]interface{})
	require.True(t, ok, "meta should be a nested object, got %T", row["meta"])
	assert.Equal(t, "10.0.0.1", meta["ip"])
}

func TestLoadFormatFetchesSchemaForTemplateSuffix(t *testing.T) {
	fake := &fakeAPI{fetchFields: []schema.Field{{Name: "name", Type: schema.TypeString}}}
	e := newTestEngine(t, fake, func(cfg *config.Config) {
		loadConfig(cfg)
		cfg.TemplateSuffix = "_%Y"
	})

	_, err := e.Format("test", testNow, map[string]interface{}{"name": "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.fetchCalls)

	// Within the TTL the registry serves the cached schema.
	_, err = e.Format("test", testNow, map[string]interface{}{"name": "b"})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.fetchCalls)
}

func TestLoadSchemaOmittedForExistingTable(t *testing.T) {
	fake := &fakeAPI{existing: map[string]bool{"events": true}}
	e := newTestEngine(t, fake, loadConfig)

	chunk := buildChunk(t, e, "c1", map[string]interface{}{"name": "a"})
	require.NoError(t, e.Write(context.Background(), chunk))

	// The live table's schema takes precedence; ours is not sent.
	assert.Nil(t, fake.submitted[0].Schema)
}

func TestLoadSchemaSentForMissingTable(t *testing.T) {
	fake := &fakeAPI{}
	e := newTestEngine(t, fake, loadConfig)

	chunk := buildChunk(t, e, "c1", map[string]interface{}{"name": "a"})
	require.NoError(t, e.Write(context.Background(), chunk))

	require.NotNil(t, fake.submitted[0].Schema)
	assert.Equal(t, "name", fake.submitted[0].Schema[0].Name)
}

func TestLoadEmptySchemaForMissingTableIsFatal(t *testing.T) {
	fake := &fakeAPI{}
	e := newTestEngine(t, fake, func(cfg *config.Config) {
		loadConfig(cfg)
		cfg.FieldString = ""
	})

	chunk := NewMemoryChunk("c1", "")
	chunk.Append([]byte(`{"name":"a"}` + "\n"))
	err := e.Write(context.Background(), chunk)

	require.Error(t, err)
	assert.True(t, bqerrors.IsType(err, bqerrors.ErrorTypeSchema))
	assert.Empty(t, fake.submitted)
}

func TestLoadExistenceCheckFailureSendsLocalSchema(t *testing.T) {
	fake := &fakeAPI{existsErr: apiError(500, "backendError", "metadata unavailable")}
	e := newTestEngine(t, fake, loadConfig)

	chunk := buildChunk(t, e, "c1", map[string]interface{}{"name": "a"})
	require.NoError(t, e.Write(context.Background(), chunk))

	// A failed existence check does not fail the chunk; the job goes out
	// with the local schema attached.
	require.Len(t, fake.submitted, 1)
	require.NotNil(t, fake.submitted[0].Schema)
	assert.Equal(t, "name", fake.submitted[0].Schema[0].Name)
}

func TestLoadExistenceCheckFailureWithoutSchemaIsFatal(t *testing.T) {
	fake := &fakeAPI{existsErr: apiError(500, "backendError", "metadata unavailable")}
	e := newTestEngine(t, fake, func(cfg *config.Config) {
		loadConfig(cfg)
		cfg.FieldString = ""
	})

	chunk := NewMemoryChunk("c1", "")
	chunk.Append([]byte(`{"name":"a"}` + "\n"))
	err := e.Write(context.Background(), chunk)

	require.Error(t, err)
	assert.True(t, bqerrors.IsType(err, bqerrors.ErrorTypeSchema))
	assert.False(t, bqerrors.IsRetryable(err))
	assert.Empty(t, fake.submitted)
}

func TestLoadJobIDDeterministic(t *testing.T) {
	e := newTestEngine(t, &fakeAPI{}, loadConfig)
	s := &loadStrategy{e: e}

	desc := &LoadJobDescriptor{Dataset: "ds", TableID: "events"}
	first := s.jobID("chunk-1", desc)
	assert.Equal(t, first, s.jobID("chunk-1", desc))
	assert.True(t, strings.HasPrefix(first, "bqsink_job_"))

	// Any identity-bearing input changes the id.
	assert.NotEqual(t, first, s.jobID("chunk-2", desc))
	assert.NotEqual(t, first, s.jobID("chunk-1", &LoadJobDescriptor{Dataset: "ds", TableID: "other"}))
	assert.NotEqual(t, first, s.jobID("chunk-1", &LoadJobDescriptor{Dataset: "ds", TableID: "events", Suffix: "_a"}))
	assert.NotEqual(t, first, s.jobID("chunk-1", &LoadJobDescriptor{Dataset: "ds", TableID: "events", MaxBadRecords: 3}))
}

func TestLoadPreventDuplicateSetsJobID(t *testing.T) {
	fake := &fakeAPI{existing: map[string]bool{"events": true}}
	e := newTestEngine(t, fake, func(cfg *config.Config) {
		loadConfig(cfg)
		cfg.PreventDuplicateLoad = true
	})

	chunk := buildChunk(t, e, "c1", map[string]interface{}{"name": "a"})
	require.NoError(t, e.Write(context.Background(), chunk))

	assert.True(t, strings.HasPrefix(fake.submitted[0].JobID, "bqsink_job_"))
}

func TestLoadDuplicateSubmissionAdoptsExistingJob(t *testing.T) {
	fake := &fakeAPI{
		existing:     map[string]bool{"events": true},
		submitErrs:   []error{apiError(409, "duplicate", "Already Exists: Job proj:bqsink_job_x")},
		jobFromIDJob: &fakeJob{id: "bqsink_job_x", statuses: []*LoadJobStatus{{Done: true}}},
	}
	e := newTestEngine(t, fake, func(cfg *config.Config) {
		loadConfig(cfg)
		cfg.PreventDuplicateLoad = true
	})

	chunk := buildChunk(t, e, "c1", map[string]interface{}{"name": "a"})
	require.NoError(t, e.Write(context.Background(), chunk))

	require.Len(t, fake.jobFromIDCalls, 1)
	assert.Equal(t, fake.submitted[0].JobID, fake.jobFromIDCalls[0])
}

func TestLoadDuplicateWithoutJobIDIsNotAdopted(t *testing.T) {
	fake := &fakeAPI{
		existing:   map[string]bool{"events": true},
		submitErrs: []error{apiError(409, "duplicate", "Already Exists: Job proj:x")},
	}
	e := newTestEngine(t, fake, loadConfig)

	chunk := buildChunk(t, e, "c1", map[string]interface{}{"name": "a"})
	err := e.Write(context.Background(), chunk)

	require.Error(t, err)
	assert.Empty(t, fake.jobFromIDCalls)
}

func TestLoadPollsUntilDone(t *testing.T) {
	job := &fakeJob{id: "j1", statuses: []*LoadJobStatus{
		{},
		{},
		{Done: true},
	}}
	fake := &fakeAPI{existing: map[string]bool{"events": true}, submitJob: job}
	e := newTestEngine(t, fake, loadConfig)

	chunk := buildChunk(t, e, "c1", map[string]interface{}{"name": "a"})
	require.NoError(t, e.Write(context.Background(), chunk))
	assert.GreaterOrEqual(t, job.polls, 3)
}

func TestLoadPollBudgetExhausted(t *testing.T) {
	job := &fakeJob{id: "j1", statuses: []*LoadJobStatus{{}}}
	fake := &fakeAPI{existing: map[string]bool{"events": true}, submitJob: job}
	e := newTestEngine(t, fake, func(cfg *config.Config) {
		loadConfig(cfg)
		cfg.LoadPollMaxAttempts = 2
	})

	chunk := buildChunk(t, e, "c1", map[string]interface{}{"name": "a"})
	err := e.Write(context.Background(), chunk)

	require.Error(t, err)
	assert.True(t, bqerrors.IsRetryable(err))
	assert.Equal(t, 2, job.polls)
}

func TestLoadJobFailureRetryableReason(t *testing.T) {
	job := &fakeJob{id: "j1", statuses: []*LoadJobStatus{
		{Done: true, Result: &JobError{Reason: "backendError", Message: "backend boom"}},
	}}
	fake := &fakeAPI{existing: map[string]bool{"events": true}, submitJob: job}
	e := newTestEngine(t, fake, loadConfig)

	chunk := buildChunk(t, e, "c1", map[string]interface{}{"name": "a"})
	err := e.Write(context.Background(), chunk)

	require.Error(t, err)
	assert.True(t, bqerrors.IsRetryable(err))
}

func TestLoadJobFailureUnknownReasonIsFatal(t *testing.T) {
	job := &fakeJob{id: "j1", statuses: []*LoadJobStatus{
		{Done: true, Result: &JobError{Reason: "invalid", Message: "bad data"}},
	}}
	fake := &fakeAPI{existing: map[string]bool{"events": true}, submitJob: job}
	e := newTestEngine(t, fake, loadConfig)

	chunk := buildChunk(t, e, "c1", map[string]interface{}{"name": "a"})
	err := e.Write(context.Background(), chunk)

	require.Error(t, err)
	assert.True(t, bqerrors.IsType(err, bqerrors.ErrorTypeFatal))
}

func TestLoadJobRowErrorsAreNotFatal(t *testing.T) {
	job := &fakeJob{id: "j1", statuses: []*LoadJobStatus{
		{Done: true, RowErrors: []JobError{{Reason: "invalid", Location: "line 3"}}},
	}}
	fake := &fakeAPI{existing: map[string]bool{"events": true}, submitJob: job}
	e := newTestEngine(t, fake, loadConfig)

	chunk := buildChunk(t, e, "c1", map[string]interface{}{"name": "a"})
	assert.NoError(t, e.Write(context.Background(), chunk))
}

func TestLoadSubmit5xxIsRetryable(t *testing.T) {
	fake := &fakeAPI{
		existing:   map[string]bool{"events": true},
		submitErrs: []error{apiError(503, "", "backend unavailable")},
	}
	e := newTestEngine(t, fake, loadConfig)

	chunk := buildChunk(t, e, "c1", map[string]interface{}{"name": "a"})
	err := e.Write(context.Background(), chunk)

	require.Error(t, err)
	assert.True(t, bqerrors.IsRetryable(err))
}

func TestLoadCompressedStaging(t *testing.T) {
	fake := &fakeAPI{existing: map[string]bool{"events": true}}
	e := newTestEngine(t, fake, func(cfg *config.Config) {
		loadConfig(cfg)
		cfg.CompressLoad = true
	})

	chunk := buildChunk(t, e, "c1", map[string]interface{}{"name": "a"})
	require.NoError(t, e.Write(context.Background(), chunk))

	// gzip magic bytes
	require.GreaterOrEqual(t, len(fake.submitBody), 2)
	assert.Equal(t, []byte{0x1f, 0x8b}, fake.submitBody[:2])
}

func TestLoadTimeSliceDestination(t *testing.T) {
	fake := &fakeAPI{existing: map[string]bool{"events_20230110": true}}
	e := newTestEngine(t, fake, func(cfg *config.Config) {
		loadConfig(cfg)
		cfg.Table = "events_%{time_slice}"
	})

	chunk := NewMemoryChunk("c1", "20230110")
	row, err := e.Format("test", testNow, map[string]interface{}{"name": "a"})
	require.NoError(t, err)
	chunk.Append(row)

	require.NoError(t, e.Write(context.Background(), chunk))
	assert.Equal(t, "events_20230110", fake.submitted[0].TableID)
}
