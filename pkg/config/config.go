// Package config provides the configuration system for bqsink.
// It defines a single Config structure covering both delivery methods,
// with validation performed once at configure time.
package config

import (
	"strings"
	"time"

	"github.com/stratusdata/bqsink/pkg/bqerrors"
)

// Auth methods accepted by the client session cache.
const (
	AuthMethodPrivateKey         = "private_key"
	AuthMethodComputeEngine      = "compute_engine"
	AuthMethodJSONKey            = "json_key"
	AuthMethodApplicationDefault = "application_default"
)

// Delivery methods.
const (
	MethodInsert = "insert"
	MethodLoad   = "load"
)

// MaxReplaceRules bounds the number of key-replace rules, matching the
// numbered replace_record_key_regexp1..10 parameters this engine accepts.
const MaxReplaceRules = 10

// Config is the full configuration for one BigQuery output instance.
type Config struct {
	// Authentication
	AuthMethod           string `yaml:"auth_method" json:"auth_method"`
	Email                string `yaml:"email" json:"email"`
	PrivateKeyPath string `yaml:"private_key_path" json:"private_key_path"`
	// PrivateKeyPassphrase is accepted for compatibility with PKCS#12 key
	// bundles; PEM service-account keys do not use it.
	PrivateKeyPassphrase string `yaml:"private_key_passphrase" json:"private_key_passphrase"`
	JSONKey              string `yaml:"json_key" json:"json_key"`

	// Destination
	Project        string `yaml:"project" json:"project"`
	Dataset        string `yaml:"dataset" json:"dataset"`
	Table          string `yaml:"table" json:"table"`
	Tables         string `yaml:"tables" json:"tables"`
	TemplateSuffix string `yaml:"template_suffix" json:"template_suffix"`

	AutoCreateTable bool `yaml:"auto_create_table" json:"auto_create_table"`

	// SkipInvalidRows applies to the insert method only.
	SkipInvalidRows bool `yaml:"skip_invalid_rows" json:"skip_invalid_rows"`
	// MaxBadRecords applies to the load method only.
	MaxBadRecords int64 `yaml:"max_bad_records" json:"max_bad_records"`
	// IgnoreUnknownValues accepts rows containing values unknown to the schema.
	IgnoreUnknownValues bool `yaml:"ignore_unknown_values" json:"ignore_unknown_values"`

	// Schema
	SchemaPath        string        `yaml:"schema_path" json:"schema_path"`
	FetchSchema       bool          `yaml:"fetch_schema" json:"fetch_schema"`
	SchemaCacheExpire time.Duration `yaml:"schema_cache_expire" json:"schema_cache_expire"`
	FieldString       string        `yaml:"field_string" json:"field_string"`
	FieldInteger      string        `yaml:"field_integer" json:"field_integer"`
	FieldFloat        string        `yaml:"field_float" json:"field_float"`
	FieldBoolean      string        `yaml:"field_boolean" json:"field_boolean"`
	FieldTimestamp    string        `yaml:"field_timestamp" json:"field_timestamp"`

	// Record transforms
	ReplaceRecordKey        bool     `yaml:"replace_record_key" json:"replace_record_key"`
	ReplaceRecordKeyRegexps []string `yaml:"replace_record_key_regexps" json:"replace_record_key_regexps"`
	ConvertHashToJSON       bool     `yaml:"convert_hash_to_json" json:"convert_hash_to_json"`

	// Time handling
	TimeFormat      string `yaml:"time_format" json:"time_format"`
	UTC             bool   `yaml:"utc" json:"utc"`
	TimeField       string `yaml:"time_field" json:"time_field"`
	TimeSliceFormat string `yaml:"time_slice_format" json:"time_slice_format"`

	// InsertIDField applies to the insert method only.
	InsertIDField string `yaml:"insert_id_field" json:"insert_id_field"`
	// PreventDuplicateLoad applies to the load method only.
	PreventDuplicateLoad bool `yaml:"prevent_duplicate_load" json:"prevent_duplicate_load"`

	// Method selects the delivery strategy: insert or load.
	Method string `yaml:"method" json:"method"`

	// Request timeouts, applied per remote call.
	RequestTimeout     time.Duration `yaml:"request_timeout_sec" json:"request_timeout_sec"`
	RequestOpenTimeout time.Duration `yaml:"request_open_timeout_sec" json:"request_open_timeout_sec"`

	// Load job polling
	LoadPollInterval    time.Duration `yaml:"load_poll_interval" json:"load_poll_interval"`
	LoadPollMaxAttempts int           `yaml:"load_poll_max_attempts" json:"load_poll_max_attempts"`

	// CompressLoad gzips the staged payload before submission (load only).
	CompressLoad bool `yaml:"compress_load" json:"compress_load"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		AuthMethod:           AuthMethodPrivateKey,
		PrivateKeyPassphrase: "notasecret",
		Method:               MethodInsert,
		SchemaCacheExpire:    600 * time.Second,
		TimeSliceFormat:      "%Y%m%d",
		RequestOpenTimeout:   60 * time.Second,
		LoadPollInterval:     10 * time.Second,
	}
}

// Validate checks the configuration, returning a config error on the first
// invalid or missing setting.
func (c *Config) Validate() error {
	switch c.Method {
	case MethodInsert, MethodLoad:
	default:
		return bqerrors.Newf(bqerrors.ErrorTypeConfig, "'method' must be 'insert' or 'load', got %q", c.Method)
	}

	switch c.AuthMethod {
	case AuthMethodPrivateKey:
		if c.Email == "" || c.PrivateKeyPath == "" {
			return bqerrors.New(bqerrors.ErrorTypeConfig,
				"'email' and 'private_key_path' must be specified if auth_method == 'private_key'")
		}
	case AuthMethodComputeEngine, AuthMethodApplicationDefault:
	case AuthMethodJSONKey:
		if c.JSONKey == "" {
			return bqerrors.New(bqerrors.ErrorTypeConfig,
				"'json_key' must be specified if auth_method == 'json_key'")
		}
	default:
		return bqerrors.Newf(bqerrors.ErrorTypeConfig, "unrecognized 'auth_method': %q", c.AuthMethod)
	}

	if c.Project == "" {
		return bqerrors.New(bqerrors.ErrorTypeConfig, "'project' is required")
	}
	if c.Dataset == "" {
		return bqerrors.New(bqerrors.ErrorTypeConfig, "'dataset' is required")
	}

	if (c.Table == "") == (c.Tables == "") {
		return bqerrors.New(bqerrors.ErrorTypeConfig,
			"'table' or 'tables' must be specified, and both are invalid")
	}

	if len(c.ReplaceRecordKeyRegexps) > MaxReplaceRules {
		return bqerrors.Newf(bqerrors.ErrorTypeConfig,
			"at most %d replace_record_key_regexps are supported", MaxReplaceRules)
	}
	seen := make(map[string]bool, len(c.ReplaceRecordKeyRegexps))
	for i, rule := range c.ReplaceRecordKeyRegexps {
		parts := strings.SplitN(rule, " ", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return bqerrors.Newf(bqerrors.ErrorTypeConfig,
				"replace_record_key_regexps[%d] does not contain 2 parameters", i)
		}
		if seen[parts[0]] {
			return bqerrors.Newf(bqerrors.ErrorTypeConfig,
				"replace_record_key_regexps[%d] contains a duplicated key, %s", i, parts[0])
		}
		seen[parts[0]] = true
	}

	if c.SchemaCacheExpire <= 0 {
		return bqerrors.New(bqerrors.ErrorTypeConfig, "'schema_cache_expire' must be positive")
	}
	if c.Method == MethodLoad && c.LoadPollInterval <= 0 {
		return bqerrors.New(bqerrors.ErrorTypeConfig, "'load_poll_interval' must be positive")
	}

	return nil
}

// TableList returns the configured destination table templates.
func (c *Config) TableList() []string {
	if c.Tables != "" {
		parts := strings.Split(c.Tables, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				out = append(out, t)
			}
		}
		return out
	}
	return []string{c.Table}
}
