package sink

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stratusdata/bqsink/pkg/bqerrors"
	jsonx "github.com/stratusdata/bqsink/pkg/json"
	"github.com/stratusdata/bqsink/pkg/metrics"
	"github.com/stratusdata/bqsink/pkg/transform"
)

// streamingStrategy delivers chunks through the low-latency per-row insert
// API, grouping rows by resolved destination.
type streamingStrategy struct {
	e *Engine
}

// Format transforms and projects one record into a streaming wire row.
// Delivering with a template suffix requires a known live schema, so the
// suffix feature triggers a TTL-gated fetch here.
func (s *streamingStrategy) Format(record map[string]interface{}, t time.Time) ([]byte, error) {
	e := s.e

	if e.cfg.TemplateSuffix != "" {
		if err := e.fetchSchema(context.Background(), true); err != nil {
			return nil, err
		}
	}

	if e.keyReplacer != nil {
		record = e.keyReplacer.Apply(record)
	}
	if e.cfg.ConvertHashToJSON {
		record = transform.HashToJSON(record)
	}
	record = e.timeInjector.Inject(record, t)

	row := e.registry.Format(record)
	if row == nil {
		return nil, nil
	}

	wire := Row{JSON: row}
	if id, ok := e.insertID.Extract(record); ok {
		wire.InsertID = id
	}
	return jsonx.Marshal(wire)
}

// rowGroup is one (table id, suffix) destination and its rows, kept in
// first-seen order.
type rowGroup struct {
	tableID string
	suffix  string
	rows    []Row
}

// Deliver decodes the chunk's wire rows, groups them by resolved destination
// and issues one insert per group.
func (s *streamingStrategy) Deliver(ctx context.Context, chunk Chunk, tableTemplate, suffixTemplate string) error {
	e := s.e
	now := e.clock()

	var groups []*rowGroup
	index := make(map[[2]string]*rowGroup)
	for _, raw := range chunk.Rows() {
		var row Row
		if err := jsonx.Unmarshal(raw, &row); err != nil {
			return bqerrors.Wrap(err, bqerrors.ErrorTypeData, "failed to decode wire row")
		}

		tableID, err := e.resolver.Resolve(tableTemplate, now, row.JSON, chunk.Key())
		if err != nil {
			return err
		}
		var suffix string
		if suffixTemplate != "" {
			suffix, err = e.resolver.Resolve(suffixTemplate, now, row.JSON, chunk.Key())
			if err != nil {
				return err
			}
		}

		key := [2]string{tableID, suffix}
		group, ok := index[key]
		if !ok {
			group = &rowGroup{tableID: tableID, suffix: suffix}
			index[key] = group
			groups = append(groups, group)
		}
		group.rows = append(group.rows, row)
	}

	for _, group := range groups {
		if err := s.insert(ctx, group); err != nil {
			return err
		}
	}
	return nil
}

// insert issues one streaming insert for a group, handling the auto-create
// recovery path.
func (s *streamingStrategy) insert(ctx context.Context, group *rowGroup) error {
	e := s.e

	api, err := e.sessions.get(ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	err = api.InsertRows(ctx, group.tableID, group.rows, InsertOptions{
		SkipInvalidRows:     e.cfg.SkipInvalidRows,
		IgnoreUnknownValues: e.cfg.IgnoreUnknownValues,
		TemplateSuffix:      group.suffix,
	})
	metrics.InsertLatency.Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.RowsDelivered.WithLabelValues("insert", group.tableID).Add(float64(len(group.rows)))
		metrics.InsertRequests.WithLabelValues(group.tableID).Inc()
		return nil
	}

	e.sessions.invalidate()

	if e.cfg.AutoCreateTable && statusCode(err) == 404 &&
		strings.Contains(strings.ToLower(err.Error()), "not found: table") {
		if createErr := s.createTable(ctx, api, group.tableID); createErr != nil {
			return createErr
		}
		return e.outcomeError(OutcomeRetry, err, "table created, send rows next time")
	}

	e.logger.Error("tabledata.insertAll API",
		zap.String("project", e.cfg.Project),
		zap.String("dataset", e.cfg.Dataset),
		zap.String("table", group.tableID),
		zap.Int("code", statusCode(err)),
		zap.String("reason", errorReason(err)),
		zap.Error(err))

	outcome := e.classifier.ClassifyErr(err)
	return e.outcomeError(outcome, err, "failed to insert into bigquery")
}

// createTable creates the destination with the current schema snapshot.
// "Already Exists" is success: another writer won the race.
func (s *streamingStrategy) createTable(ctx context.Context, api API, tableID string) error {
	e := s.e

	err := api.CreateTable(ctx, tableID, e.registry.ToBigQuery())
	if err == nil {
		e.logger.Info("created table",
			zap.String("dataset", e.cfg.Dataset), zap.String("table", tableID))
		return nil
	}
	if statusCode(err) == 409 && strings.Contains(err.Error(), "Already Exists") {
		return nil
	}

	e.sessions.invalidate()
	e.logger.Error("tables.insert API",
		zap.String("project", e.cfg.Project),
		zap.String("dataset", e.cfg.Dataset),
		zap.String("table", tableID),
		zap.Int("code", statusCode(err)),
		zap.Error(err))
	return bqerrors.Wrap(err, bqerrors.ErrorTypeFatal, "failed to create table in bigquery")
}
