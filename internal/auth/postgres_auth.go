package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// KeyStore abstracts DB queries for testability.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error)
}

type keyRow struct {
	Name       string
	APIKeyHash string
	Revoked    bool
}

// sqlKeyStore is the real implementation using *sql.DB.
type sqlKeyStore struct {
	db *sql.DB
}

func (s *sqlKeyStore) LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, api_key_hash, revoked
		FROM api_keys
		WHERE api_key_prefix = $1
	`, prefix)

	var r keyRow
	if err := row.Scan(&r.Name, &r.APIKeyHash, &r.Revoked); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresAuthenticator validates per-caller API keys against the api_keys
// table. Fails closed: a lookup error denies the call.
type PostgresAuthenticator struct {
	store  KeyStore
	cache  *AuthCache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new PostgresAuthenticator.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	return NewPostgresAuthenticatorWithStore(&sqlKeyStore{db: cfg.DB}, cfg.CacheTTL, cfg.Logger)
}

// NewPostgresAuthenticatorWithStore creates an authenticator with a custom store (for testing).
func NewPostgresAuthenticatorWithStore(store KeyStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresAuthenticator {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	return &PostgresAuthenticator{
		store:  store,
		cache:  NewAuthCache(cacheTTL),
		logger: logger,
	}
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context, credential string) (*Caller, error) {
	if credential == "" {
		return nil, ErrUnauthenticated
	}
	digest := credentialDigest(credential)

	cacheResult := a.cache.Get(digest)
	if cacheResult.Hit {
		if cacheResult.NeedsRefresh {
			go a.refreshInBackground(credential, digest)
		}
		return cacheResult.Caller, nil
	}

	caller, err := a.authenticateFromDB(ctx, credential)
	if err != nil {
		if !errors.Is(err, ErrUnauthenticated) {
			a.logger.Warn("api key lookup failed", zap.Error(err))
		}
		return nil, fmt.Errorf("Authenticate: %w", err)
	}

	a.cache.Set(digest, caller)
	return caller, nil
}

func (a *PostgresAuthenticator) authenticateFromDB(ctx context.Context, credential string) (*Caller, error) {
	if len(credential) < 8 {
		return nil, ErrUnauthenticated
	}
	prefix := credential[:8]

	row, err := a.store.LookupByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("authenticateFromDB: %w", err)
	}
	if row.Revoked {
		return nil, ErrUnauthenticated
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(credential)); err != nil {
		return nil, ErrUnauthenticated
	}

	return &Caller{Key: CallerKey(credential), Name: row.Name}, nil
}

func (a *PostgresAuthenticator) refreshInBackground(credential, digest string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	caller, err := a.authenticateFromDB(ctx, credential)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			// Revoked or rotated since it was cached.
			a.cache.Delete(digest)
			return
		}
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		return
	}
	a.cache.Set(digest, caller)
}
