// Package postgres is the PostgreSQL-backed implementation of the store
// interfaces, using goqu for query building and pgx as the database/sql
// driver, mirroring the in-tree sqlite3 backend.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	relaycrypto "github.com/rakunlabs/relay/internal/crypto"
	"github.com/rakunlabs/relay/internal/config"
	"github.com/rakunlabs/relay/internal/domain"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 3
	MaxOpenConns    = 3

	DefaultTablePrefix = "relay_"
)

type Postgres struct {
	db   *sql.DB
	goqu *goqu.Database

	tableProviderKeys  exp.IdentifierExpression
	tableServiceApis   exp.IdentifierExpression
	tableOAuthSessions exp.IdentifierExpression
	tableTraces        exp.IdentifierExpression

	// encKey is the AES-256 key used to encrypt/decrypt sensitive provider
	// key fields. nil means encryption is disabled. Protected by encKeyMu.
	encKey   []byte
	encKeyMu sync.RWMutex
}

func New(ctx context.Context, cfg *config.StorePostgres, encKey []byte) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("postgres configuration is nil")
	}

	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	// /////////////////////////////////////////////
	// Run migrations.
	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}

	if migrate.Datasource == "" {
		migrate.Datasource = cfg.Datasource
	}

	if migrate.Schema == "" {
		migrate.Schema = cfg.Schema
	}

	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate, db); err != nil {
		db.Close()

		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}
	// /////////////////////////////////////////////

	// Set schema search path if configured.
	if cfg.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			db.Close()

			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}

	if cfg.ConnMaxLifetime != nil {
		ConnMaxLifetime = *cfg.ConnMaxLifetime
	}
	if cfg.MaxIdleConns != nil {
		MaxIdleConns = *cfg.MaxIdleConns
	}
	if cfg.MaxOpenConns != nil {
		MaxOpenConns = *cfg.MaxOpenConns
	}

	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetMaxOpenConns(MaxOpenConns)

	slog.Info("connected to store postgres")

	dbGoqu := goqu.New("postgres", db)

	return &Postgres{
		db:                 db,
		goqu:               dbGoqu,
		tableProviderKeys:  goqu.T(tablePrefix + "provider_keys"),
		tableServiceApis:   goqu.T(tablePrefix + "service_apis"),
		tableOAuthSessions: goqu.T(tablePrefix + "oauth_sessions"),
		tableTraces:        goqu.T(tablePrefix + "traces"),
		encKey:             encKey,
	}, nil
}

func (p *Postgres) Close() {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			slog.Error("close store postgres connection", "error", err)
		}
	}
}

// ─── ProviderKey CRUD ───

type providerKeyRow struct {
	ID                 string     `db:"id" goqu:"skipupdate"`
	UserID             string     `db:"user_id"`
	ProviderTypeID     string     `db:"provider_type_id"`
	AuthType           string     `db:"auth_type"`
	Name               string     `db:"name"`
	Weight             int        `db:"weight"`
	APIKey             string     `db:"api_key"`
	AuthConfigJSON     string     `db:"auth_config_json"`
	AuthStatus         string     `db:"auth_status"`
	ExpiresAt          *time.Time `db:"expires_at"`
	HealthStatus       string     `db:"health_status"`
	HealthStatusDetail string     `db:"health_status_detail"`
	RateLimitResetsAt  *time.Time `db:"rate_limit_resets_at"`
	LastErrorTime      *time.Time `db:"last_error_time"`
	IsActive           bool       `db:"is_active"`
	CreatedAt          time.Time  `db:"created_at" goqu:"skipupdate"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

var providerKeyColumns = []any{
	"id", "user_id", "provider_type_id", "auth_type", "name", "weight",
	"api_key", "auth_config_json", "auth_status", "expires_at",
	"health_status", "health_status_detail", "rate_limit_resets_at",
	"last_error_time", "is_active", "created_at", "updated_at",
}

func (r *providerKeyRow) scanArgs() []any {
	return []any{
		&r.ID, &r.UserID, &r.ProviderTypeID, &r.AuthType, &r.Name, &r.Weight,
		&r.APIKey, &r.AuthConfigJSON, &r.AuthStatus, &r.ExpiresAt,
		&r.HealthStatus, &r.HealthStatusDetail, &r.RateLimitResetsAt,
		&r.LastErrorTime, &r.IsActive, &r.CreatedAt, &r.UpdatedAt,
	}
}

func rowFromProviderKey(k domain.ProviderKey) providerKeyRow {
	return providerKeyRow{
		ID:                 k.ID,
		UserID:             k.UserID,
		ProviderTypeID:     k.ProviderTypeID,
		AuthType:           k.AuthType,
		Name:               k.Name,
		Weight:             k.Weight,
		APIKey:             k.APIKey,
		AuthConfigJSON:     k.AuthConfigJSON,
		AuthStatus:         k.AuthStatus,
		ExpiresAt:          k.ExpiresAt,
		HealthStatus:       k.HealthStatus,
		HealthStatusDetail: k.HealthStatusDetail,
		RateLimitResetsAt:  k.RateLimitResetsAt,
		LastErrorTime:      k.LastErrorTime,
		IsActive:           k.IsActive,
		CreatedAt:          k.CreatedAt,
		UpdatedAt:          k.UpdatedAt,
	}
}

func (r providerKeyRow) toDomain() domain.ProviderKey {
	return domain.ProviderKey{
		ID:                 r.ID,
		UserID:             r.UserID,
		ProviderTypeID:     r.ProviderTypeID,
		AuthType:           r.AuthType,
		Name:               r.Name,
		Weight:             r.Weight,
		APIKey:             r.APIKey,
		AuthConfigJSON:     r.AuthConfigJSON,
		AuthStatus:         r.AuthStatus,
		ExpiresAt:          r.ExpiresAt,
		HealthStatus:       r.HealthStatus,
		HealthStatusDetail: r.HealthStatusDetail,
		RateLimitResetsAt:  r.RateLimitResetsAt,
		LastErrorTime:      r.LastErrorTime,
		IsActive:           r.IsActive,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func (p *Postgres) encryptionKey() []byte {
	p.encKeyMu.RLock()
	defer p.encKeyMu.RUnlock()

	return p.encKey
}

func (p *Postgres) ListProviderKeys(ctx context.Context) ([]domain.ProviderKey, error) {
	query, _, err := p.goqu.From(p.tableProviderKeys).
		Select(providerKeyColumns...).
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list provider keys: %w", err)
	}
	defer rows.Close()

	encKey := p.encryptionKey()

	var result []domain.ProviderKey
	for rows.Next() {
		var row providerKeyRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, fmt.Errorf("scan provider key row: %w", err)
		}

		k, err := decryptRow(row, encKey)
		if err != nil {
			return nil, err
		}
		result = append(result, k)
	}

	return result, rows.Err()
}

func (p *Postgres) GetProviderKey(ctx context.Context, id string) (*domain.ProviderKey, error) {
	query, _, err := p.goqu.From(p.tableProviderKeys).
		Select(providerKeyColumns...).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	var row providerKeyRow
	err = p.db.QueryRowContext(ctx, query).Scan(row.scanArgs()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get provider key %q: %w", id, err)
	}

	k, err := decryptRow(row, p.encryptionKey())
	if err != nil {
		return nil, err
	}

	return &k, nil
}

func (p *Postgres) GetProviderKeysByIDs(ctx context.Context, ids []string) ([]domain.ProviderKey, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	anyIDs := make([]any, len(ids))
	for i, id := range ids {
		anyIDs[i] = id
	}

	query, _, err := p.goqu.From(p.tableProviderKeys).
		Select(providerKeyColumns...).
		Where(goqu.I("id").In(anyIDs...)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get-by-ids query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get provider keys by ids: %w", err)
	}
	defer rows.Close()

	encKey := p.encryptionKey()

	var result []domain.ProviderKey
	for rows.Next() {
		var row providerKeyRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, fmt.Errorf("scan provider key row: %w", err)
		}

		k, err := decryptRow(row, encKey)
		if err != nil {
			return nil, err
		}
		result = append(result, k)
	}

	return result, rows.Err()
}

func (p *Postgres) CreateProviderKey(ctx context.Context, key domain.ProviderKey) (*domain.ProviderKey, error) {
	encrypted, err := relaycrypto.EncryptProviderKey(key, p.encryptionKey())
	if err != nil {
		return nil, fmt.Errorf("encrypt provider key: %w", err)
	}

	encrypted.ID = ulid.Make().String()
	now := time.Now().UTC()
	encrypted.CreatedAt = now
	encrypted.UpdatedAt = now

	row := rowFromProviderKey(encrypted)

	query, _, err := p.goqu.Insert(p.tableProviderKeys).Rows(goqu.Record{
		"id": row.ID, "user_id": row.UserID, "provider_type_id": row.ProviderTypeID,
		"auth_type": row.AuthType, "name": row.Name, "weight": row.Weight,
		"api_key": row.APIKey, "auth_config_json": row.AuthConfigJSON,
		"auth_status": row.AuthStatus, "expires_at": row.ExpiresAt,
		"health_status": row.HealthStatus, "health_status_detail": row.HealthStatusDetail,
		"rate_limit_resets_at": row.RateLimitResetsAt, "last_error_time": row.LastErrorTime,
		"is_active": row.IsActive, "created_at": row.CreatedAt, "updated_at": row.UpdatedAt,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create provider key: %w", err)
	}

	key.ID = encrypted.ID
	key.CreatedAt = now
	key.UpdatedAt = now

	return &key, nil
}

func (p *Postgres) UpdateProviderKey(ctx context.Context, id string, key domain.ProviderKey) (*domain.ProviderKey, error) {
	encrypted, err := relaycrypto.EncryptProviderKey(key, p.encryptionKey())
	if err != nil {
		return nil, fmt.Errorf("encrypt provider key: %w", err)
	}

	now := time.Now().UTC()
	row := rowFromProviderKey(encrypted)

	query, _, err := p.goqu.Update(p.tableProviderKeys).Set(goqu.Record{
		"provider_type_id": row.ProviderTypeID, "auth_type": row.AuthType,
		"name": row.Name, "weight": row.Weight, "api_key": row.APIKey,
		"auth_config_json": row.AuthConfigJSON, "auth_status": row.AuthStatus,
		"expires_at": row.ExpiresAt, "health_status": row.HealthStatus,
		"health_status_detail": row.HealthStatusDetail,
		"rate_limit_resets_at": row.RateLimitResetsAt, "last_error_time": row.LastErrorTime,
		"is_active": row.IsActive, "updated_at": now,
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("update provider key %q: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}

	return p.GetProviderKey(ctx, id)
}

func (p *Postgres) DeleteProviderKey(ctx context.Context, id string) error {
	query, _, err := p.goqu.Delete(p.tableProviderKeys).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete provider key %q: %w", id, err)
	}

	return nil
}

func (p *Postgres) ListProviderKeysUpdatedSince(ctx context.Context, cursor time.Time) ([]domain.ProviderKey, error) {
	query, _, err := p.goqu.From(p.tableProviderKeys).
		Select(providerKeyColumns...).
		Where(goqu.I("updated_at").Gt(cursor)).
		Order(goqu.I("updated_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build resync query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list provider keys updated since: %w", err)
	}
	defer rows.Close()

	encKey := p.encryptionKey()

	var result []domain.ProviderKey
	for rows.Next() {
		var row providerKeyRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, fmt.Errorf("scan provider key row: %w", err)
		}

		k, err := decryptRow(row, encKey)
		if err != nil {
			return nil, err
		}
		result = append(result, k)
	}

	return result, rows.Err()
}

func decryptRow(row providerKeyRow, encKey []byte) (domain.ProviderKey, error) {
	k, err := relaycrypto.DecryptProviderKey(row.toDomain(), encKey)
	if err != nil {
		return domain.ProviderKey{}, fmt.Errorf("decrypt provider key %q: %w", row.ID, err)
	}

	return k, nil
}

// ─── ServiceApi CRUD ───

type serviceApiRow struct {
	ID                 string     `db:"id"`
	UserID             string     `db:"user_id"`
	ProviderTypeID     string     `db:"provider_type_id"`
	InboundAPIKeyHash  string     `db:"inbound_api_key_hash"`
	ProviderKeyIDs     string     `db:"provider_key_ids"` // comma-joined
	SchedulingStrategy string     `db:"scheduling_strategy"`
	RetryCount         int        `db:"retry_count"`
	TimeoutSeconds     int        `db:"timeout_seconds"`
	RateLimit          int        `db:"rate_limit"`
	MaxTokensPerDay    int        `db:"max_tokens_per_day"`
	IsActive           bool       `db:"is_active"`
	ExpiresAt          *time.Time `db:"expires_at"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

var serviceApiColumns = []any{
	"id", "user_id", "provider_type_id", "inbound_api_key_hash", "provider_key_ids",
	"scheduling_strategy", "retry_count", "timeout_seconds", "rate_limit",
	"max_tokens_per_day", "is_active", "expires_at", "created_at", "updated_at",
}

func (r *serviceApiRow) scanArgs() []any {
	return []any{
		&r.ID, &r.UserID, &r.ProviderTypeID, &r.InboundAPIKeyHash, &r.ProviderKeyIDs,
		&r.SchedulingStrategy, &r.RetryCount, &r.TimeoutSeconds, &r.RateLimit,
		&r.MaxTokensPerDay, &r.IsActive, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt,
	}
}

// Note: the raw InboundAPIKey is a write-only, one-time value — callers only
// ever see it once, at creation time. Only its hash is persisted, matching
// the inbound-credential hashing convention used for static bearer tokens.
func (r serviceApiRow) toDomain() domain.ServiceApi {
	var ids []string
	if r.ProviderKeyIDs != "" {
		ids = strings.Split(r.ProviderKeyIDs, ",")
	}

	return domain.ServiceApi{
		ID:                 r.ID,
		UserID:             r.UserID,
		ProviderTypeID:     r.ProviderTypeID,
		InboundAPIKeyHash:  r.InboundAPIKeyHash,
		ProviderKeyIDs:     ids,
		SchedulingStrategy: r.SchedulingStrategy,
		RetryCount:         r.RetryCount,
		TimeoutSeconds:     r.TimeoutSeconds,
		RateLimit:          r.RateLimit,
		MaxTokensPerDay:    r.MaxTokensPerDay,
		IsActive:           r.IsActive,
		ExpiresAt:          r.ExpiresAt,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func hashInboundKey(key string) string {
	if key == "" {
		return ""
	}
	h, _ := relaycrypto.DeriveKey(key)
	return fmt.Sprintf("%x", h)
}

func (p *Postgres) ListServiceApis(ctx context.Context) ([]domain.ServiceApi, error) {
	query, _, err := p.goqu.From(p.tableServiceApis).
		Select(serviceApiColumns...).
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list service apis: %w", err)
	}
	defer rows.Close()

	var result []domain.ServiceApi
	for rows.Next() {
		var row serviceApiRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, fmt.Errorf("scan service api row: %w", err)
		}
		result = append(result, row.toDomain())
	}

	return result, rows.Err()
}

func (p *Postgres) GetServiceApi(ctx context.Context, id string) (*domain.ServiceApi, error) {
	query, _, err := p.goqu.From(p.tableServiceApis).
		Select(serviceApiColumns...).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	var row serviceApiRow
	err = p.db.QueryRowContext(ctx, query).Scan(row.scanArgs()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get service api %q: %w", id, err)
	}

	sa := row.toDomain()
	return &sa, nil
}

func (p *Postgres) GetServiceApiByInboundKey(ctx context.Context, inboundKey string) (*domain.ServiceApi, error) {
	query, _, err := p.goqu.From(p.tableServiceApis).
		Select(serviceApiColumns...).
		Where(goqu.I("inbound_api_key_hash").Eq(hashInboundKey(inboundKey))).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get-by-key query: %w", err)
	}

	var row serviceApiRow
	err = p.db.QueryRowContext(ctx, query).Scan(row.scanArgs()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get service api by inbound key: %w", err)
	}

	sa := row.toDomain()
	return &sa, nil
}

func (p *Postgres) CreateServiceApi(ctx context.Context, sa domain.ServiceApi) (*domain.ServiceApi, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := p.goqu.Insert(p.tableServiceApis).Rows(goqu.Record{
		"id": id, "user_id": sa.UserID, "provider_type_id": sa.ProviderTypeID,
		"inbound_api_key_hash": hashInboundKey(sa.InboundAPIKey),
		"provider_key_ids":     strings.Join(sa.ProviderKeyIDs, ","),
		"scheduling_strategy":  sa.SchedulingStrategy,
		"retry_count":          sa.RetryCount, "timeout_seconds": sa.TimeoutSeconds,
		"rate_limit": sa.RateLimit, "max_tokens_per_day": sa.MaxTokensPerDay,
		"is_active": sa.IsActive, "expires_at": sa.ExpiresAt,
		"created_at": now, "updated_at": now,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create service api: %w", err)
	}

	sa.ID = id
	sa.CreatedAt = now
	sa.UpdatedAt = now
	sa.InboundAPIKeyHash = hashInboundKey(sa.InboundAPIKey)

	return &sa, nil
}

func (p *Postgres) UpdateServiceApi(ctx context.Context, id string, sa domain.ServiceApi) (*domain.ServiceApi, error) {
	now := time.Now().UTC()

	set := goqu.Record{
		"provider_type_id":    sa.ProviderTypeID,
		"provider_key_ids":    strings.Join(sa.ProviderKeyIDs, ","),
		"scheduling_strategy": sa.SchedulingStrategy,
		"retry_count":         sa.RetryCount, "timeout_seconds": sa.TimeoutSeconds,
		"rate_limit": sa.RateLimit, "max_tokens_per_day": sa.MaxTokensPerDay,
		"is_active": sa.IsActive, "expires_at": sa.ExpiresAt, "updated_at": now,
	}
	if sa.InboundAPIKey != "" {
		set["inbound_api_key_hash"] = hashInboundKey(sa.InboundAPIKey)
	}

	query, _, err := p.goqu.Update(p.tableServiceApis).Set(set).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update query: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("update service api %q: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}

	return p.GetServiceApi(ctx, id)
}

func (p *Postgres) DeleteServiceApi(ctx context.Context, id string) error {
	query, _, err := p.goqu.Delete(p.tableServiceApis).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete service api %q: %w", id, err)
	}

	return nil
}

// ─── OAuthSession ───

func (p *Postgres) CreateOAuthSession(ctx context.Context, s domain.OAuthSession) (*domain.OAuthSession, error) {
	if s.SessionID == "" {
		s.SessionID = ulid.Make().String()
	}
	s.CreatedAt = time.Now().UTC()

	query, _, err := p.goqu.Insert(p.tableOAuthSessions).Rows(goqu.Record{
		"session_id": s.SessionID, "user_id": s.UserID, "provider_type_id": s.ProviderTypeID,
		"auth_type": s.AuthType, "state": s.State, "code_verifier": s.CodeVerifier,
		"code_challenge": s.CodeChallenge, "redirect_uri": s.RedirectURI,
		"scopes": strings.Join(s.Scopes, ","), "created_at": s.CreatedAt,
		"expires_at": s.ExpiresAt, "completed_at": s.CompletedAt,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create oauth session: %w", err)
	}

	return &s, nil
}

func (p *Postgres) GetOAuthSessionByState(ctx context.Context, state string) (*domain.OAuthSession, error) {
	query, _, err := p.goqu.From(p.tableOAuthSessions).
		Select("session_id", "user_id", "provider_type_id", "auth_type", "state",
			"code_verifier", "code_challenge", "redirect_uri", "scopes",
			"created_at", "expires_at", "completed_at").
		Where(goqu.I("state").Eq(state)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	var (
		s      domain.OAuthSession
		scopes string
	)
	err = p.db.QueryRowContext(ctx, query).Scan(
		&s.SessionID, &s.UserID, &s.ProviderTypeID, &s.AuthType, &s.State,
		&s.CodeVerifier, &s.CodeChallenge, &s.RedirectURI, &scopes,
		&s.CreatedAt, &s.ExpiresAt, &s.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth session by state: %w", err)
	}

	if scopes != "" {
		s.Scopes = strings.Split(scopes, ",")
	}

	return &s, nil
}

func (p *Postgres) CompleteOAuthSession(ctx context.Context, sessionID string, completedAt time.Time) error {
	query, _, err := p.goqu.Update(p.tableOAuthSessions).
		Set(goqu.Record{"completed_at": completedAt}).
		Where(goqu.I("session_id").Eq(sessionID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}

	_, err = p.db.ExecContext(ctx, query)
	return err
}

func (p *Postgres) DeleteExpiredOAuthSessions(ctx context.Context, now time.Time) error {
	query, _, err := p.goqu.Delete(p.tableOAuthSessions).
		Where(goqu.I("expires_at").Lt(now)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}

	_, err = p.db.ExecContext(ctx, query)
	return err
}

// ─── Trace ───

func (p *Postgres) InsertTrace(ctx context.Context, t domain.Trace) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	query, _, err := p.goqu.Insert(p.tableTraces).Rows(traceRecord(t)).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert query: %w", err)
	}

	_, err = p.db.ExecContext(ctx, query)
	return err
}

func (p *Postgres) UpdateTrace(ctx context.Context, t domain.Trace) error {
	rec := traceRecord(t)
	delete(rec, "request_id")
	delete(rec, "created_at")

	query, _, err := p.goqu.Update(p.tableTraces).
		Set(rec).
		Where(goqu.I("request_id").Eq(t.RequestID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}

	_, err = p.db.ExecContext(ctx, query)
	return err
}

func traceRecord(t domain.Trace) goqu.Record {
	return goqu.Record{
		"request_id": t.RequestID, "service_api_id": t.ServiceApiID,
		"provider_key_id": t.ProviderKeyID, "provider_type_id": t.ProviderTypeID,
		"model_used": t.ModelUsed, "method": t.Method, "path": t.Path,
		"client_ip": t.ClientIP, "user_agent": t.UserAgent,
		"status_code": t.StatusCode, "response_time_ms": t.ResponseTimeMs,
		"retry_count": t.RetryCount, "tokens_prompt": t.TokensPrompt,
		"tokens_completion": t.TokensCompletion, "tokens_total": t.TokensTotal,
		"tokens_cached": t.TokensCached, "cost": t.Cost, "cost_currency": t.CostCurrency,
		"error_type": t.ErrorType, "error_source": t.ErrorSource,
		"error_message": t.ErrorMessage, "created_at": t.CreatedAt,
	}
}

// ─── Key Rotation ───

// RotateEncryptionKey decrypts all provider key secrets with the current
// key, re-encrypts them with newKey, and updates the rows atomically.
// Passing nil as newKey disables encryption (stores plaintext).
func (p *Postgres) RotateEncryptionKey(ctx context.Context, newKey []byte) error {
	p.encKeyMu.Lock()
	defer p.encKeyMu.Unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// FOR UPDATE prevents concurrent CRUD writes from inserting rows
	// encrypted with the old key while rotation is in progress.
	selectQuery, _, err := p.goqu.From(p.tableProviderKeys).
		Select("id", "api_key", "auth_config_json").
		ForUpdate(exp.Wait).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build select query: %w", err)
	}

	rows, err := tx.QueryContext(ctx, selectQuery)
	if err != nil {
		return fmt.Errorf("list provider keys for rotation: %w", err)
	}

	type rowData struct {
		id             string
		apiKey         string
		authConfigJSON string
	}

	var allRows []rowData
	for rows.Next() {
		var r rowData
		if err := rows.Scan(&r.id, &r.apiKey, &r.authConfigJSON); err != nil {
			rows.Close()
			return fmt.Errorf("scan provider key row: %w", err)
		}
		allRows = append(allRows, r)
	}
	rows.Close()

	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate provider key rows: %w", err)
	}

	for _, r := range allRows {
		pk := domain.ProviderKey{ID: r.id, APIKey: r.apiKey, AuthConfigJSON: r.authConfigJSON}

		pk, err := relaycrypto.DecryptProviderKey(pk, p.encKey)
		if err != nil {
			return fmt.Errorf("decrypt provider key %q: %w", r.id, err)
		}

		pk, err = relaycrypto.EncryptProviderKey(pk, newKey)
		if err != nil {
			return fmt.Errorf("re-encrypt provider key %q: %w", r.id, err)
		}

		updateQuery, _, err := p.goqu.Update(p.tableProviderKeys).Set(
			goqu.Record{"api_key": pk.APIKey, "auth_config_json": pk.AuthConfigJSON},
		).Where(goqu.I("id").Eq(r.id)).ToSQL()
		if err != nil {
			return fmt.Errorf("build update query for %q: %w", r.id, err)
		}

		if _, err := tx.ExecContext(ctx, updateQuery); err != nil {
			return fmt.Errorf("update provider key %q: %w", r.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	// Update the in-memory key only after a successful commit.
	p.encKey = newKey

	slog.Info("encryption key rotated", "provider_keys_updated", len(allRows))

	return nil
}

// SetEncryptionKey updates the in-memory encryption key without
// re-encrypting database rows. Used by peer instances when they receive a
// key rotation broadcast from the instance that performed the rotation.
func (p *Postgres) SetEncryptionKey(newKey []byte) {
	p.encKeyMu.Lock()
	p.encKey = newKey
	p.encKeyMu.Unlock()
}
