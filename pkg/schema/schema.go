// Package schema owns the record schema for one destination table layout.
//
// The Registry is the only holder of the mutable field list. Mutation happens
// through RegisterField (additive) and LoadSchema (bulk replace or additive
// merge); reads always see the last published snapshot without locking. The
// remote refresh path is TTL-gated behind a single mutex so concurrent flush
// goroutines never issue duplicate fetches.
package schema

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"

	"github.com/stratusdata/bqsink/pkg/bqerrors"
	jsonx "github.com/stratusdata/bqsink/pkg/json"
)

// FieldType is a BigQuery column type.
type FieldType string

// Supported field types.
const (
	TypeString    FieldType = "STRING"
	TypeInteger   FieldType = "INTEGER"
	TypeFloat     FieldType = "FLOAT"
	TypeBoolean   FieldType = "BOOLEAN"
	TypeTimestamp FieldType = "TIMESTAMP"
	TypeRecord    FieldType = "RECORD"
)

// FieldMode is a BigQuery column mode.
type FieldMode string

// Supported field modes.
const (
	ModeNullable FieldMode = "NULLABLE"
	ModeRequired FieldMode = "REQUIRED"
	ModeRepeated FieldMode = "REPEATED"
)

// Field describes one column, possibly nested when Type is RECORD.
type Field struct {
	Name   string    `json:"name"`
	Type   FieldType `json:"type"`
	Mode   FieldMode `json:"mode,omitempty"`
	Fields []Field   `json:"fields,omitempty"`
}

// ParseFieldType validates a type name (case-insensitive).
func ParseFieldType(s string) (FieldType, error) {
	switch FieldType(strings.ToUpper(s)) {
	case TypeString:
		return TypeString, nil
	case TypeInteger:
		return TypeInteger, nil
	case TypeFloat:
		return TypeFloat, nil
	case TypeBoolean:
		return TypeBoolean, nil
	case TypeTimestamp:
		return TypeTimestamp, nil
	case TypeRecord:
		return TypeRecord, nil
	}
	return "", bqerrors.Newf(bqerrors.ErrorTypeConfig, "unknown field type %q", s)
}

// SchemaSource fetches the live schema of the destination table.
type SchemaSource interface {
	FetchSchema(ctx context.Context) ([]Field, error)
}

// Registry owns a named, ordered field list.
type Registry struct {
	name   string
	clock  func() time.Time
	logger *zap.Logger

	// snapshot holds []Field; readers load it without locking.
	snapshot atomic.Value
	writeMu  sync.Mutex

	// fetchMu serializes the TTL-check-then-refresh sequence.
	fetchMu   sync.Mutex
	lastFetch time.Time
}

// NewRegistry creates an empty registry. clock may be nil for wall-clock time.
func NewRegistry(name string, clock func() time.Time, logger *zap.Logger) *Registry {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{name: name, clock: clock, logger: logger}
	r.snapshot.Store([]Field{})
	return r
}

// Fields returns the last published snapshot. Callers must not mutate it.
func (r *Registry) Fields() []Field {
	return r.snapshot.Load().([]Field)
}

// Empty reports whether no field has been declared yet.
func (r *Registry) Empty() bool {
	return len(r.Fields()) == 0
}

// RegisterField adds a field, or redeclares an existing one. When a name is
// registered twice with a different type, the later declaration wins; the
// field keeps its original position.
func (r *Registry) RegisterField(name string, fieldType FieldType) error {
	if name == "" {
		return bqerrors.New(bqerrors.ErrorTypeConfig, "field name must not be empty")
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	fields := cloneFields(r.Fields())
	for i := range fields {
		if fields[i].Name == name {
			if fields[i].Type != fieldType {
				r.logger.Warn("field redeclared with different type",
					zap.String("field", name),
					zap.String("old_type", string(fields[i].Type)),
					zap.String("new_type", string(fieldType)))
			}
			fields[i].Type = fieldType
			r.snapshot.Store(fields)
			return nil
		}
	}
	fields = append(fields, Field{Name: name, Type: fieldType, Mode: ModeNullable})
	r.snapshot.Store(fields)
	return nil
}

// LoadSchema bulk-applies a field list. With allowOverwrite the list replaces
// the current schema; otherwise only fields absent from the current schema
// are filled in, so a manually curated schema survives a partial refresh.
func (r *Registry) LoadSchema(fields []Field, allowOverwrite bool) error {
	for i := range fields {
		if fields[i].Name == "" {
			return bqerrors.Newf(bqerrors.ErrorTypeConfig, "schema field %d has no name", i)
		}
		if _, err := ParseFieldType(string(fields[i].Type)); err != nil {
			return err
		}
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if allowOverwrite {
		r.snapshot.Store(cloneFields(fields))
		return nil
	}

	current := cloneFields(r.Fields())
	known := make(map[string]bool, len(current))
	for _, f := range current {
		known[f.Name] = true
	}
	for _, f := range fields {
		if !known[f.Name] {
			current = append(current, f)
		}
	}
	r.snapshot.Store(current)
	return nil
}

// Fetch refreshes the schema from the remote source when the TTL has lapsed.
// The lock is held across the whole check-TTL-then-refresh sequence. On a
// remote failure with a usable schema already loaded, the stale schema keeps
// serving and the timestamp still advances to avoid hot-looping; with an
// empty registry the failure is fatal.
func (r *Registry) Fetch(ctx context.Context, source SchemaSource, ttl time.Duration, allowOverwrite bool) error {
	r.fetchMu.Lock()
	defer r.fetchMu.Unlock()

	now := r.clock()
	if now.Sub(r.lastFetch) <= ttl {
		return nil
	}

	fields, err := source.FetchSchema(ctx)
	if err != nil {
		if r.Empty() {
			return bqerrors.Wrap(err, bqerrors.ErrorTypeSchema, "failed to fetch schema and no local schema is available")
		}
		r.logger.Warn("schema fetch failed, use previous schema",
			zap.String("schema", r.name), zap.Error(err))
		r.lastFetch = now
		return nil
	}

	r.logger.Debug("loaded schema from remote",
		zap.String("schema", r.name), zap.Int("fields", len(fields)))
	if err := r.LoadSchema(fields, allowOverwrite); err != nil {
		return err
	}
	r.lastFetch = now
	return nil
}

// ToBigQuery renders the schema as the nested field list the API expects.
func (r *Registry) ToBigQuery() bigquery.Schema {
	return fieldsToBigQuery(r.Fields())
}

func fieldsToBigQuery(fields []Field) bigquery.Schema {
	out := make(bigquery.Schema, 0, len(fields))
	for _, f := range fields {
		bq := &bigquery.FieldSchema{
			Name:     f.Name,
			Type:     bigqueryType(f.Type),
			Required: f.Mode == ModeRequired,
			Repeated: f.Mode == ModeRepeated,
		}
		if f.Type == TypeRecord {
			bq.Schema = fieldsToBigQuery(f.Fields)
		}
		out = append(out, bq)
	}
	return out
}

func bigqueryType(t FieldType) bigquery.FieldType {
	switch t {
	case TypeInteger:
		return bigquery.IntegerFieldType
	case TypeFloat:
		return bigquery.FloatFieldType
	case TypeBoolean:
		return bigquery.BooleanFieldType
	case TypeTimestamp:
		return bigquery.TimestampFieldType
	case TypeRecord:
		return bigquery.RecordFieldType
	default:
		return bigquery.StringFieldType
	}
}

// FieldsFromBigQuery converts an API schema into the registry field list.
func FieldsFromBigQuery(schema bigquery.Schema) []Field {
	out := make([]Field, 0, len(schema))
	for _, bq := range schema {
		f := Field{Name: bq.Name, Mode: ModeNullable}
		switch bq.Type {
		case bigquery.IntegerFieldType:
			f.Type = TypeInteger
		case bigquery.FloatFieldType:
			f.Type = TypeFloat
		case bigquery.BooleanFieldType:
			f.Type = TypeBoolean
		case bigquery.TimestampFieldType:
			f.Type = TypeTimestamp
		case bigquery.RecordFieldType:
			f.Type = TypeRecord
			f.Fields = FieldsFromBigQuery(bq.Schema)
		default:
			f.Type = TypeString
		}
		if bq.Required {
			f.Mode = ModeRequired
		}
		if bq.Repeated {
			f.Mode = ModeRepeated
		}
		out = append(out, f)
	}
	return out
}

// LoadFile parses a JSON field-list file.
func LoadFile(path string) ([]Field, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from validated config
	if err != nil {
		return nil, bqerrors.Wrap(err, bqerrors.ErrorTypeConfig, "failed to read schema file")
	}
	var fields []Field
	if err := jsonx.Unmarshal(data, &fields); err != nil {
		return nil, bqerrors.Wrap(err, bqerrors.ErrorTypeConfig, "failed to parse schema file")
	}
	return fields, nil
}

// Format projects a record against the schema, emitting only declared fields
// with type coercion. Returns nil when no declared field is present, so
// records with entirely unknown content are dropped instead of relying on
// ignore_unknown_values.
func (r *Registry) Format(record map[string]interface{}) map[string]interface{} {
	return formatRecord(r.Fields(), record)
}

func formatRecord(fields []Field, record map[string]interface{}) map[string]interface{} {
	if record == nil {
		return nil
	}
	row := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		value, ok := record[f.Name]
		if !ok || value == nil {
			continue
		}
		if f.Mode == ModeRepeated {
			items, ok := value.([]interface{})
			if !ok {
				items = []interface{}{value}
			}
			coerced := make([]interface{}, 0, len(items))
			for _, item := range items {
				if v, ok := coerceValue(f, item); ok {
					coerced = append(coerced, v)
				}
			}
			if len(coerced) > 0 {
				row[f.Name] = coerced
			}
			continue
		}
		if v, ok := coerceValue(f, value); ok {
			row[f.Name] = v
		}
	}
	if len(row) == 0 {
		return nil
	}
	return row
}

func coerceValue(f Field, value interface{}) (interface{}, bool) {
	switch f.Type {
	case TypeString:
		return coerceString(value), true
	case TypeInteger:
		return coerceInteger(value)
	case TypeFloat:
		return coerceFloat(value)
	case TypeBoolean:
		return coerceBoolean(value)
	case TypeTimestamp:
		return coerceTimestamp(value)
	case TypeRecord:
		nested, ok := value.(map[string]interface{})
		if !ok {
			return nil, false
		}
		row := formatRecord(f.Fields, nested)
		if row == nil {
			return nil, false
		}
		return row, true
	}
	return nil, false
}

func coerceString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	default:
		if b, err := jsonx.Marshal(v); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", v)
	}
}

func coerceInteger(value interface{}) (interface{}, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n, true
		}
	}
	return nil, false
}

func coerceFloat(value interface{}) (interface{}, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f, true
		}
	}
	return nil, false
}

func coerceBoolean(value interface{}) (interface{}, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b, true
		}
	case float64:
		return v != 0, true
	case int:
		return v != 0, true
	case int64:
		return v != 0, true
	}
	return nil, false
}

func coerceTimestamp(value interface{}) (interface{}, bool) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), true
	case float64, int, int64, string:
		return v, true
	}
	return nil, false
}

func cloneFields(fields []Field) []Field {
	out := make([]Field, len(fields))
	copy(out, fields)
	return out
}
