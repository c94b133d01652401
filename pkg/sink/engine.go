// Package sink implements the BigQuery delivery engine: table-id routing,
// record transformation, schema caching, and the two delivery strategies
// (streaming insert and batch load) behind one Engine.
//
// The host buffering layer calls Format once per incoming record and Write
// once per flushed chunk. Multiple Write calls may run concurrently against
// one Engine.
package sink

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stratusdata/bqsink/pkg/bqerrors"
	"github.com/stratusdata/bqsink/pkg/config"
	"github.com/stratusdata/bqsink/pkg/metrics"
	"github.com/stratusdata/bqsink/pkg/schema"
	"github.com/stratusdata/bqsink/pkg/tableid"
	"github.com/stratusdata/bqsink/pkg/transform"
)

// deliveryStrategy is the polymorphic write path, selected once at startup.
type deliveryStrategy interface {
	Format(record map[string]interface{}, t time.Time) ([]byte, error)
	Deliver(ctx context.Context, chunk Chunk, tableTemplate, suffixTemplate string) error
}

// Engine is one configured BigQuery output instance.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  func() time.Time

	registry     *schema.Registry
	resolver     *tableid.Resolver
	keyReplacer  *transform.KeyReplacer
	timeInjector transform.TimeInjector
	insertID     transform.InsertIDExtractor

	tables     []string
	rotation   *rotation
	sessions   *sessionCache
	classifier *Classifier
	strategy   deliveryStrategy
	fallback   Fallback
}

// Option customizes engine construction.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock injects the time source, used by schema-cache TTL checks and
// table-id resolution. Defaults to wall-clock time.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithFallback configures the secondary destination batches are handed to
// on a Fallback-classified failure.
func WithFallback(fallback Fallback) Option {
	return func(e *Engine) { e.fallback = fallback }
}

// NewEngine validates the configuration and builds a ready engine. All
// configure-time failures surface as config errors.
func NewEngine(cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		clock:  time.Now,
		tables: cfg.TableList(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}

	e.registry = schema.NewRegistry("record", e.clock, e.logger)
	if cfg.SchemaPath != "" {
		fields, err := schema.LoadFile(cfg.SchemaPath)
		if err != nil {
			return nil, err
		}
		if err := e.registry.LoadSchema(fields, true); err != nil {
			return nil, err
		}
	}
	if err := e.registerTypedFields(); err != nil {
		return nil, err
	}

	if cfg.ReplaceRecordKey {
		replacer, err := transform.NewKeyReplacer(cfg.ReplaceRecordKeyRegexps)
		if err != nil {
			return nil, err
		}
		e.keyReplacer = replacer
	}

	if cfg.TimeField != "" {
		injector, err := transform.NewPathTimeInjector(cfg.TimeField, cfg.TimeFormat, cfg.UTC)
		if err != nil {
			return nil, err
		}
		e.timeInjector = injector
	} else {
		e.timeInjector = transform.NoopTimeInjector{}
	}

	if cfg.InsertIDField != "" {
		e.insertID = transform.NewPathExtractor(cfg.InsertIDField)
	} else {
		e.insertID = transform.NoopExtractor{}
	}

	e.resolver = &tableid.Resolver{UTC: cfg.UTC, TimeSliceFormat: cfg.TimeSliceFormat}
	e.rotation = newRotation(e.tables, true)
	e.sessions = newSessionCache(cfg, e.logger, e.clock)
	e.classifier = &Classifier{HasFallback: e.fallback != nil}

	switch cfg.Method {
	case config.MethodLoad:
		e.strategy = &loadStrategy{e: e}
	default:
		e.strategy = &streamingStrategy{e: e}
	}

	return e, nil
}

// registerTypedFields applies the comma-separated typed field lists.
func (e *Engine) registerTypedFields() error {
	lists := []struct {
		raw       string
		fieldType schema.FieldType
	}{
		{e.cfg.FieldString, schema.TypeString},
		{e.cfg.FieldInteger, schema.TypeInteger},
		{e.cfg.FieldFloat, schema.TypeFloat},
		{e.cfg.FieldBoolean, schema.TypeBoolean},
		{e.cfg.FieldTimestamp, schema.TypeTimestamp},
	}
	for _, list := range lists {
		if list.raw == "" {
			continue
		}
		for _, name := range splitTrim(list.raw) {
			if err := e.registry.RegisterField(name, list.fieldType); err != nil {
				return err
			}
		}
	}
	return nil
}

// Start performs the optional initial schema fetch. The additive merge
// protects a manually configured schema from a partial remote refresh.
func (e *Engine) Start(ctx context.Context) error {
	if !e.cfg.FetchSchema {
		return nil
	}
	return e.fetchSchema(ctx, false)
}

// fetchSchema refreshes the registry from the first destination table,
// TTL-gated inside the registry.
func (e *Engine) fetchSchema(ctx context.Context, allowOverwrite bool) error {
	source := &remoteSchemaSource{e: e}
	return e.registry.Fetch(ctx, source, e.cfg.SchemaCacheExpire, allowOverwrite)
}

// Format is the per-record host hook. Its output becomes one wire row of a
// future chunk; an empty result means the record projected to nothing and
// is dropped.
func (e *Engine) Format(tag string, t time.Time, record map[string]interface{}) ([]byte, error) {
	_ = tag
	return e.strategy.Format(record, t)
}

// Write delivers one flushed chunk. The destination template rotates across
// the configured table list; the active strategy owns everything after that.
func (e *Engine) Write(ctx context.Context, chunk Chunk) error {
	template := e.rotation.next()

	err := e.strategy.Deliver(ctx, chunk, template, e.cfg.TemplateSuffix)
	if err == nil {
		return nil
	}

	if bqerrors.IsType(err, bqerrors.ErrorTypeFallback) && e.fallback != nil {
		e.logger.Warn("handing batch to secondary destination",
			zap.String("chunk", chunk.UniqueID()), zap.Error(err))
		return e.fallback.Flush(ctx, chunk)
	}
	return err
}

// Registry exposes the schema registry, mainly for host configuration code.
func (e *Engine) Registry() *schema.Registry {
	return e.registry
}

// Close releases the cached client session.
func (e *Engine) Close() error {
	e.sessions.mu.Lock()
	api := e.sessions.api
	e.sessions.api = nil
	e.sessions.mu.Unlock()
	if api != nil {
		return api.Close()
	}
	return nil
}

// outcomeError maps a classified outcome onto the engine error taxonomy and
// counts it.
func (e *Engine) outcomeError(outcome Outcome, cause error, message string) error {
	metrics.DeliveryErrors.WithLabelValues(outcome.String()).Inc()
	switch outcome {
	case OutcomeRetry:
		return bqerrors.Wrap(cause, bqerrors.ErrorTypeRetryable, message)
	case OutcomeFallback:
		return bqerrors.Wrap(cause, bqerrors.ErrorTypeFallback, message)
	default:
		return bqerrors.Wrap(cause, bqerrors.ErrorTypeFatal, message)
	}
}

// remoteSchemaSource fetches the live schema of the first destination table.
type remoteSchemaSource struct {
	e *Engine
}

func (s *remoteSchemaSource) FetchSchema(ctx context.Context) ([]schema.Field, error) {
	api, err := s.e.sessions.get(ctx)
	if err != nil {
		return nil, err
	}
	tableID, err := s.e.resolver.Resolve(s.e.tables[0], s.e.clock(), nil, "")
	if err != nil {
		return nil, err
	}
	fields, err := api.FetchTableSchema(ctx, tableID)
	if err != nil {
		s.e.sessions.invalidate()
		return nil, err
	}
	return fields, nil
}

func splitTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if field := strings.TrimSpace(p); field != "" {
			out = append(out, field)
		}
	}
	return out
}
