package sink

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/option"

	"github.com/stratusdata/bqsink/pkg/bqerrors"
	"github.com/stratusdata/bqsink/pkg/config"
)

const bigqueryScope = "https://www.googleapis.com/auth/bigquery"

// sessionLease is how long one authenticated handle is reused before the
// next caller re-authenticates.
const sessionLease = 30 * time.Minute

// sessionCache lazily creates and time-limits the authenticated API handle.
// Races are benign: concurrent callers may each build a session when the
// cache is cold, last write wins.
type sessionCache struct {
	cfg     *config.Config
	logger  *zap.Logger
	clock   func() time.Time
	factory func(ctx context.Context) (API, error)

	mu     sync.Mutex
	api    API
	expiry time.Time
}

func newSessionCache(cfg *config.Config, logger *zap.Logger, clock func() time.Time) *sessionCache {
	s := &sessionCache{cfg: cfg, logger: logger, clock: clock}
	s.factory = s.buildAPI
	return s
}

// get returns the cached handle, building a fresh one when absent or past
// its lease.
func (s *sessionCache) get(ctx context.Context) (API, error) {
	s.mu.Lock()
	if s.api != nil && s.clock().Before(s.expiry) {
		api := s.api
		s.mu.Unlock()
		return api, nil
	}
	s.mu.Unlock()

	api, err := s.factory(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.api = api
	s.expiry = s.clock().Add(sessionLease)
	s.mu.Unlock()
	return api, nil
}

// invalidate drops the cached handle so the next caller re-authenticates.
// Called on any authorization or server error.
func (s *sessionCache) invalidate() {
	s.mu.Lock()
	s.api = nil
	s.expiry = time.Time{}
	s.mu.Unlock()
	s.logger.Debug("client session invalidated")
}

// buildAPI constructs an authenticated BigQuery client per the configured
// auth method.
func (s *sessionCache) buildAPI(ctx context.Context) (API, error) {
	var opts []option.ClientOption

	switch s.cfg.AuthMethod {
	case config.AuthMethodPrivateKey:
		key, err := os.ReadFile(s.cfg.PrivateKeyPath) //nolint:gosec // G304: path comes from validated config
		if err != nil {
			return nil, bqerrors.Wrap(err, bqerrors.ErrorTypeAuth, "failed to read private key")
		}
		conf := &jwt.Config{
			Email:      s.cfg.Email,
			PrivateKey: key,
			Scopes:     []string{bigqueryScope},
			TokenURL:   google.JWTTokenURL,
		}
		// Token fetches outlive this call, so they are bounded by a client
		// timeout rather than this context's deadline.
		tokenCtx := context.Background()
		if s.cfg.RequestOpenTimeout > 0 {
			tokenCtx = context.WithValue(tokenCtx, oauth2.HTTPClient,
				&http.Client{Timeout: s.cfg.RequestOpenTimeout})
		}
		opts = append(opts, option.WithTokenSource(conf.TokenSource(tokenCtx)))

	case config.AuthMethodComputeEngine:
		opts = append(opts, option.WithTokenSource(google.ComputeTokenSource("", bigqueryScope)))

	case config.AuthMethodJSONKey:
		if _, err := os.Stat(s.cfg.JSONKey); err == nil {
			opts = append(opts, option.WithCredentialsFile(s.cfg.JSONKey))
		} else {
			opts = append(opts, option.WithCredentialsJSON([]byte(s.cfg.JSONKey)))
		}

	case config.AuthMethodApplicationDefault:
		// The client library resolves application default credentials.

	default:
		return nil, bqerrors.Newf(bqerrors.ErrorTypeConfig, "unknown auth method: %q", s.cfg.AuthMethod)
	}

	client, err := bigquery.NewClient(ctx, s.cfg.Project, opts...)
	if err != nil {
		return nil, bqerrors.Wrap(err, bqerrors.ErrorTypeAuth, "failed to create BigQuery client")
	}

	s.logger.Debug("authenticated new client session",
		zap.String("auth_method", s.cfg.AuthMethod),
		zap.String("project", s.cfg.Project))
	return NewBigQueryAPI(client, s.cfg.Dataset, s.cfg.RequestTimeout), nil
}
