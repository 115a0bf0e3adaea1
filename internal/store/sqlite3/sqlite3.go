// Package sqlite3 is the SQLite-backed implementation of the store
// interfaces, mirroring the postgres backend but storing timestamps as
// RFC3339 strings, matching the driver's native affinity.
package sqlite3

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
	"github.com/rakunlabs/relay/internal/config"
	relaycrypto "github.com/rakunlabs/relay/internal/crypto"
	"github.com/rakunlabs/relay/internal/domain"

	_ "modernc.org/sqlite"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
)

var DefaultTablePrefix = "relay_"

type SQLite struct {
	db   *sql.DB
	goqu *goqu.Database

	tableProviderKeys  exp.IdentifierExpression
	tableServiceApis   exp.IdentifierExpression
	tableOAuthSessions exp.IdentifierExpression
	tableTraces        exp.IdentifierExpression

	encKey   []byte
	encKeyMu sync.RWMutex
}

func New(ctx context.Context, cfg *config.StoreSQLite, encKey []byte) (*SQLite, error) {
	if cfg == nil {
		return nil, errors.New("sqlite configuration is nil")
	}

	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
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

	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}
	// /////////////////////////////////////////////

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()

		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()

		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	slog.Info("connected to store sqlite")

	dbGoqu := goqu.New("sqlite3", db)

	return &SQLite{
		db:                 db,
		goqu:               dbGoqu,
		tableProviderKeys:  goqu.T(tablePrefix + "provider_keys"),
		tableServiceApis:   goqu.T(tablePrefix + "service_apis"),
		tableOAuthSessions: goqu.T(tablePrefix + "oauth_sessions"),
		tableTraces:        goqu.T(tablePrefix + "traces"),
		encKey:             encKey,
	}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close store sqlite connection", "error", err)
		}
	}
}

func (s *SQLite) encryptionKey() []byte {
	s.encKeyMu.RLock()
	defer s.encKeyMu.RUnlock()

	return s.encKey
}

// ─── ProviderKey CRUD ───

type providerKeyRow struct {
	ID                 string
	UserID             string
	ProviderTypeID     string
	AuthType           string
	Name               string
	Weight             int
	APIKey             string
	AuthConfigJSON     string
	AuthStatus         string
	ExpiresAt          sql.NullString
	HealthStatus       string
	HealthStatusDetail string
	RateLimitResetsAt  sql.NullString
	LastErrorTime      sql.NullString
	IsActive           bool
	CreatedAt          string
	UpdatedAt          string
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

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func (r providerKeyRow) toDomain() (domain.ProviderKey, error) {
	createdAt, err := time.Parse(time.RFC3339, r.CreatedAt)
	if err != nil {
		return domain.ProviderKey{}, fmt.Errorf("parse created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339, r.UpdatedAt)
	if err != nil {
		return domain.ProviderKey{}, fmt.Errorf("parse updated_at: %w", err)
	}

	return domain.ProviderKey{
		ID: r.ID, UserID: r.UserID, ProviderTypeID: r.ProviderTypeID,
		AuthType: r.AuthType, Name: r.Name, Weight: r.Weight,
		APIKey: r.APIKey, AuthConfigJSON: r.AuthConfigJSON, AuthStatus: r.AuthStatus,
		ExpiresAt: parseTimePtr(r.ExpiresAt), HealthStatus: r.HealthStatus,
		HealthStatusDetail: r.HealthStatusDetail,
		RateLimitResetsAt:  parseTimePtr(r.RateLimitResetsAt),
		LastErrorTime:      parseTimePtr(r.LastErrorTime),
		IsActive:           r.IsActive, CreatedAt: createdAt, UpdatedAt: updatedAt,
	}, nil
}

func providerKeyInsertRecord(k domain.ProviderKey) goqu.Record {
	return goqu.Record{
		"id": k.ID, "user_id": k.UserID, "provider_type_id": k.ProviderTypeID,
		"auth_type": k.AuthType, "name": k.Name, "weight": k.Weight,
		"api_key": k.APIKey, "auth_config_json": k.AuthConfigJSON,
		"auth_status": k.AuthStatus, "expires_at": formatTimePtr(k.ExpiresAt),
		"health_status": k.HealthStatus, "health_status_detail": k.HealthStatusDetail,
		"rate_limit_resets_at": formatTimePtr(k.RateLimitResetsAt),
		"last_error_time":      formatTimePtr(k.LastErrorTime),
		"is_active":            k.IsActive,
		"created_at":           k.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":           k.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *SQLite) decryptRow(row providerKeyRow) (domain.ProviderKey, error) {
	k, err := row.toDomain()
	if err != nil {
		return domain.ProviderKey{}, err
	}

	k, err = relaycrypto.DecryptProviderKey(k, s.encryptionKey())
	if err != nil {
		return domain.ProviderKey{}, fmt.Errorf("decrypt provider key %q: %w", row.ID, err)
	}

	return k, nil
}

func (s *SQLite) ListProviderKeys(ctx context.Context) ([]domain.ProviderKey, error) {
	query, _, err := s.goqu.From(s.tableProviderKeys).
		Select(providerKeyColumns...).
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list provider keys: %w", err)
	}
	defer rows.Close()

	var result []domain.ProviderKey
	for rows.Next() {
		var row providerKeyRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, fmt.Errorf("scan provider key row: %w", err)
		}
		k, err := s.decryptRow(row)
		if err != nil {
			return nil, err
		}
		result = append(result, k)
	}

	return result, rows.Err()
}

func (s *SQLite) GetProviderKey(ctx context.Context, id string) (*domain.ProviderKey, error) {
	query, _, err := s.goqu.From(s.tableProviderKeys).
		Select(providerKeyColumns...).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	var row providerKeyRow
	err = s.db.QueryRowContext(ctx, query).Scan(row.scanArgs()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get provider key %q: %w", id, err)
	}

	k, err := s.decryptRow(row)
	if err != nil {
		return nil, err
	}

	return &k, nil
}

func (s *SQLite) GetProviderKeysByIDs(ctx context.Context, ids []string) ([]domain.ProviderKey, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	anyIDs := make([]any, len(ids))
	for i, id := range ids {
		anyIDs[i] = id
	}

	query, _, err := s.goqu.From(s.tableProviderKeys).
		Select(providerKeyColumns...).
		Where(goqu.I("id").In(anyIDs...)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get-by-ids query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get provider keys by ids: %w", err)
	}
	defer rows.Close()

	var result []domain.ProviderKey
	for rows.Next() {
		var row providerKeyRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, fmt.Errorf("scan provider key row: %w", err)
		}
		k, err := s.decryptRow(row)
		if err != nil {
			return nil, err
		}
		result = append(result, k)
	}

	return result, rows.Err()
}

func (s *SQLite) CreateProviderKey(ctx context.Context, key domain.ProviderKey) (*domain.ProviderKey, error) {
	encrypted, err := relaycrypto.EncryptProviderKey(key, s.encryptionKey())
	if err != nil {
		return nil, fmt.Errorf("encrypt provider key: %w", err)
	}

	encrypted.ID = ulid.Make().String()
	now := time.Now().UTC()
	encrypted.CreatedAt = now
	encrypted.UpdatedAt = now

	query, _, err := s.goqu.Insert(s.tableProviderKeys).Rows(providerKeyInsertRecord(encrypted)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create provider key: %w", err)
	}

	key.ID = encrypted.ID
	key.CreatedAt = now
	key.UpdatedAt = now

	return &key, nil
}

func (s *SQLite) UpdateProviderKey(ctx context.Context, id string, key domain.ProviderKey) (*domain.ProviderKey, error) {
	encrypted, err := relaycrypto.EncryptProviderKey(key, s.encryptionKey())
	if err != nil {
		return nil, fmt.Errorf("encrypt provider key: %w", err)
	}

	now := time.Now().UTC()

	query, _, err := s.goqu.Update(s.tableProviderKeys).Set(goqu.Record{
		"provider_type_id": encrypted.ProviderTypeID, "auth_type": encrypted.AuthType,
		"name": encrypted.Name, "weight": encrypted.Weight, "api_key": encrypted.APIKey,
		"auth_config_json": encrypted.AuthConfigJSON, "auth_status": encrypted.AuthStatus,
		"expires_at": formatTimePtr(encrypted.ExpiresAt), "health_status": encrypted.HealthStatus,
		"health_status_detail": encrypted.HealthStatusDetail,
		"rate_limit_resets_at": formatTimePtr(encrypted.RateLimitResetsAt),
		"last_error_time":      formatTimePtr(encrypted.LastErrorTime),
		"is_active":            encrypted.IsActive, "updated_at": now.Format(time.RFC3339),
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
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

	return s.GetProviderKey(ctx, id)
}

func (s *SQLite) DeleteProviderKey(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableProviderKeys).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete provider key %q: %w", id, err)
	}

	return nil
}

func (s *SQLite) ListProviderKeysUpdatedSince(ctx context.Context, cursor time.Time) ([]domain.ProviderKey, error) {
	query, _, err := s.goqu.From(s.tableProviderKeys).
		Select(providerKeyColumns...).
		Where(goqu.I("updated_at").Gt(cursor.UTC().Format(time.RFC3339))).
		Order(goqu.I("updated_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build resync query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list provider keys updated since: %w", err)
	}
	defer rows.Close()

	var result []domain.ProviderKey
	for rows.Next() {
		var row providerKeyRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, fmt.Errorf("scan provider key row: %w", err)
		}
		k, err := s.decryptRow(row)
		if err != nil {
			return nil, err
		}
		result = append(result, k)
	}

	return result, rows.Err()
}

// ─── ServiceApi CRUD ───

type serviceApiRow struct {
	ID                 string
	UserID             string
	ProviderTypeID     string
	InboundAPIKeyHash  string
	ProviderKeyIDs     string
	SchedulingStrategy string
	RetryCount         int
	TimeoutSeconds     int
	RateLimit          int
	MaxTokensPerDay    int
	IsActive           bool
	ExpiresAt          sql.NullString
	CreatedAt          string
	UpdatedAt          string
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

func (r serviceApiRow) toDomain() (domain.ServiceApi, error) {
	createdAt, err := time.Parse(time.RFC3339, r.CreatedAt)
	if err != nil {
		return domain.ServiceApi{}, fmt.Errorf("parse created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339, r.UpdatedAt)
	if err != nil {
		return domain.ServiceApi{}, fmt.Errorf("parse updated_at: %w", err)
	}

	var ids []string
	if r.ProviderKeyIDs != "" {
		ids = strings.Split(r.ProviderKeyIDs, ",")
	}

	return domain.ServiceApi{
		ID: r.ID, UserID: r.UserID, ProviderTypeID: r.ProviderTypeID,
		InboundAPIKeyHash: r.InboundAPIKeyHash, ProviderKeyIDs: ids,
		SchedulingStrategy: r.SchedulingStrategy, RetryCount: r.RetryCount,
		TimeoutSeconds: r.TimeoutSeconds, RateLimit: r.RateLimit,
		MaxTokensPerDay: r.MaxTokensPerDay, IsActive: r.IsActive,
		ExpiresAt: parseTimePtr(r.ExpiresAt), CreatedAt: createdAt, UpdatedAt: updatedAt,
	}, nil
}

func hashInboundKey(key string) string {
	if key == "" {
		return ""
	}
	h, _ := relaycrypto.DeriveKey(key)
	return fmt.Sprintf("%x", h)
}

func (s *SQLite) ListServiceApis(ctx context.Context) ([]domain.ServiceApi, error) {
	query, _, err := s.goqu.From(s.tableServiceApis).
		Select(serviceApiColumns...).
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
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
		sa, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, sa)
	}

	return result, rows.Err()
}

func (s *SQLite) GetServiceApi(ctx context.Context, id string) (*domain.ServiceApi, error) {
	query, _, err := s.goqu.From(s.tableServiceApis).
		Select(serviceApiColumns...).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	var row serviceApiRow
	err = s.db.QueryRowContext(ctx, query).Scan(row.scanArgs()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get service api %q: %w", id, err)
	}

	sa, err := row.toDomain()
	if err != nil {
		return nil, err
	}

	return &sa, nil
}

func (s *SQLite) GetServiceApiByInboundKey(ctx context.Context, inboundKey string) (*domain.ServiceApi, error) {
	query, _, err := s.goqu.From(s.tableServiceApis).
		Select(serviceApiColumns...).
		Where(goqu.I("inbound_api_key_hash").Eq(hashInboundKey(inboundKey))).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get-by-key query: %w", err)
	}

	var row serviceApiRow
	err = s.db.QueryRowContext(ctx, query).Scan(row.scanArgs()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get service api by inbound key: %w", err)
	}

	sa, err := row.toDomain()
	if err != nil {
		return nil, err
	}

	return &sa, nil
}

func (s *SQLite) CreateServiceApi(ctx context.Context, sa domain.ServiceApi) (*domain.ServiceApi, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := s.goqu.Insert(s.tableServiceApis).Rows(goqu.Record{
		"id": id, "user_id": sa.UserID, "provider_type_id": sa.ProviderTypeID,
		"inbound_api_key_hash": hashInboundKey(sa.InboundAPIKey),
		"provider_key_ids":     strings.Join(sa.ProviderKeyIDs, ","),
		"scheduling_strategy":  sa.SchedulingStrategy,
		"retry_count":          sa.RetryCount, "timeout_seconds": sa.TimeoutSeconds,
		"rate_limit": sa.RateLimit, "max_tokens_per_day": sa.MaxTokensPerDay,
		"is_active": sa.IsActive, "expires_at": formatTimePtr(sa.ExpiresAt),
		"created_at": now.Format(time.RFC3339), "updated_at": now.Format(time.RFC3339),
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create service api: %w", err)
	}

	sa.ID = id
	sa.CreatedAt = now
	sa.UpdatedAt = now
	sa.InboundAPIKeyHash = hashInboundKey(sa.InboundAPIKey)

	return &sa, nil
}

func (s *SQLite) UpdateServiceApi(ctx context.Context, id string, sa domain.ServiceApi) (*domain.ServiceApi, error) {
	now := time.Now().UTC()

	set := goqu.Record{
		"provider_type_id":    sa.ProviderTypeID,
		"provider_key_ids":    strings.Join(sa.ProviderKeyIDs, ","),
		"scheduling_strategy": sa.SchedulingStrategy,
		"retry_count":         sa.RetryCount, "timeout_seconds": sa.TimeoutSeconds,
		"rate_limit": sa.RateLimit, "max_tokens_per_day": sa.MaxTokensPerDay,
		"is_active": sa.IsActive, "expires_at": formatTimePtr(sa.ExpiresAt),
		"updated_at": now.Format(time.RFC3339),
	}
	if sa.InboundAPIKey != "" {
		set["inbound_api_key_hash"] = hashInboundKey(sa.InboundAPIKey)
	}

	query, _, err := s.goqu.Update(s.tableServiceApis).Set(set).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
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

	return s.GetServiceApi(ctx, id)
}

func (s *SQLite) DeleteServiceApi(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableServiceApis).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete service api %q: %w", id, err)
	}

	return nil
}

// ─── OAuthSession ───

func (s *SQLite) CreateOAuthSession(ctx context.Context, sess domain.OAuthSession) (*domain.OAuthSession, error) {
	if sess.SessionID == "" {
		sess.SessionID = ulid.Make().String()
	}
	sess.CreatedAt = time.Now().UTC()

	query, _, err := s.goqu.Insert(s.tableOAuthSessions).Rows(goqu.Record{
		"session_id": sess.SessionID, "user_id": sess.UserID, "provider_type_id": sess.ProviderTypeID,
		"auth_type": sess.AuthType, "state": sess.State, "code_verifier": sess.CodeVerifier,
		"code_challenge": sess.CodeChallenge, "redirect_uri": sess.RedirectURI,
		"scopes": strings.Join(sess.Scopes, ","), "created_at": sess.CreatedAt.Format(time.RFC3339),
		"expires_at": sess.ExpiresAt.Format(time.RFC3339), "completed_at": formatTimePtr(sess.CompletedAt),
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create oauth session: %w", err)
	}

	return &sess, nil
}

func (s *SQLite) GetOAuthSessionByState(ctx context.Context, state string) (*domain.OAuthSession, error) {
	query, _, err := s.goqu.From(s.tableOAuthSessions).
		Select("session_id", "user_id", "provider_type_id", "auth_type", "state",
			"code_verifier", "code_challenge", "redirect_uri", "scopes",
			"created_at", "expires_at", "completed_at").
		Where(goqu.I("state").Eq(state)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	var (
		sess           domain.OAuthSession
		scopes         string
		createdAt      string
		expiresAt      string
		completedAtStr sql.NullString
	)
	err = s.db.QueryRowContext(ctx, query).Scan(
		&sess.SessionID, &sess.UserID, &sess.ProviderTypeID, &sess.AuthType, &sess.State,
		&sess.CodeVerifier, &sess.CodeChallenge, &sess.RedirectURI, &scopes,
		&createdAt, &expiresAt, &completedAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth session by state: %w", err)
	}

	if scopes != "" {
		sess.Scopes = strings.Split(scopes, ",")
	}
	if sess.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if sess.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	sess.CompletedAt = parseTimePtr(completedAtStr)

	return &sess, nil
}

func (s *SQLite) CompleteOAuthSession(ctx context.Context, sessionID string, completedAt time.Time) error {
	query, _, err := s.goqu.Update(s.tableOAuthSessions).
		Set(goqu.Record{"completed_at": completedAt.Format(time.RFC3339)}).
		Where(goqu.I("session_id").Eq(sessionID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLite) DeleteExpiredOAuthSessions(ctx context.Context, now time.Time) error {
	query, _, err := s.goqu.Delete(s.tableOAuthSessions).
		Where(goqu.I("expires_at").Lt(now.Format(time.RFC3339))).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query)
	return err
}

// ─── Trace ───

func (s *SQLite) InsertTrace(ctx context.Context, t domain.Trace) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	query, _, err := s.goqu.Insert(s.tableTraces).Rows(traceRecord(t)).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert query: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLite) UpdateTrace(ctx context.Context, t domain.Trace) error {
	rec := traceRecord(t)
	delete(rec, "request_id")
	delete(rec, "created_at")

	query, _, err := s.goqu.Update(s.tableTraces).
		Set(rec).
		Where(goqu.I("request_id").Eq(t.RequestID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build update query: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query)
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
		"error_message": t.ErrorMessage, "created_at": t.CreatedAt.Format(time.RFC3339),
	}
}

// ─── Key Rotation ───

// RotateEncryptionKey decrypts all provider key secrets with the current
// key, re-encrypts them with newKey, and updates the rows atomically.
// Passing nil as newKey disables encryption (stores plaintext).
func (s *SQLite) RotateEncryptionKey(ctx context.Context, newKey []byte) error {
	s.encKeyMu.Lock()
	defer s.encKeyMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	selectQuery, _, err := s.goqu.From(s.tableProviderKeys).
		Select("id", "api_key", "auth_config_json").
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

		pk, err := relaycrypto.DecryptProviderKey(pk, s.encKey)
		if err != nil {
			return fmt.Errorf("decrypt provider key %q: %w", r.id, err)
		}

		pk, err = relaycrypto.EncryptProviderKey(pk, newKey)
		if err != nil {
			return fmt.Errorf("re-encrypt provider key %q: %w", r.id, err)
		}

		updateQuery, _, err := s.goqu.Update(s.tableProviderKeys).Set(
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

	s.encKey = newKey

	slog.Info("encryption key rotated", "provider_keys_updated", len(allRows))

	return nil
}

// SetEncryptionKey updates the in-memory encryption key without
// re-encrypting database rows. Used by peer instances when they receive a
// key rotation broadcast from the instance that performed the rotation.
func (s *SQLite) SetEncryptionKey(newKey []byte) {
	s.encKeyMu.Lock()
	s.encKey = newKey
	s.encKeyMu.Unlock()
}
