package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// schema defines the gateway tables.
// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS platforms (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    platform_type TEXT NOT NULL UNIQUE,
    api_key       TEXT NOT NULL DEFAULT '',
    base_url      TEXT NOT NULL DEFAULT '',
    enabled       BOOLEAN NOT NULL DEFAULT 1,
    timeout_sec   INTEGER NOT NULL DEFAULT 30,
    created_at    DATETIME NOT NULL,
    updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS models (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    platform_type TEXT NOT NULL,
    model_id      TEXT NOT NULL,
    model_name    TEXT NOT NULL DEFAULT '',
    enabled       BOOLEAN NOT NULL DEFAULT 1,
    priority      INTEGER NOT NULL DEFAULT 0,
    description   TEXT NOT NULL DEFAULT '',
    created_at    DATETIME NOT NULL,
    UNIQUE(platform_type, model_id)
);
CREATE INDEX IF NOT EXISTS idx_models_platform ON models(platform_type, priority);

CREATE TABLE IF NOT EXISTS routing_configs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    config_name TEXT NOT NULL,
    config_type TEXT NOT NULL,
    is_active   BOOLEAN NOT NULL DEFAULT 0,
    config_data TEXT NOT NULL DEFAULT '{}',
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_routing_active ON routing_configs(is_active);

CREATE TABLE IF NOT EXISTS routing_scenes (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    routing_config_id INTEGER NOT NULL REFERENCES routing_configs(id) ON DELETE CASCADE,
    scene_name        TEXT NOT NULL,
    scene_description TEXT NOT NULL DEFAULT '',
    models            TEXT NOT NULL DEFAULT '[]',
    priority          INTEGER NOT NULL DEFAULT 0,
    enabled           BOOLEAN NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_scenes_config ON routing_scenes(routing_config_id, priority);

CREATE TABLE IF NOT EXISTS interaction_records (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    method            TEXT NOT NULL,
    path              TEXT NOT NULL,
    headers           TEXT NOT NULL DEFAULT '{}',
    body              TEXT NOT NULL DEFAULT '',
    response_status   INTEGER NOT NULL DEFAULT 0,
    response_headers  TEXT NOT NULL DEFAULT '{}',
    response_body     TEXT NOT NULL DEFAULT '',
    duration_ms       INTEGER NOT NULL DEFAULT 0,
    target_platform   TEXT NOT NULL DEFAULT '',
    target_model      TEXT NOT NULL DEFAULT '',
    platform_base_url TEXT NOT NULL DEFAULT '',
    processed_prompt  TEXT NOT NULL DEFAULT '',
    processed_headers TEXT NOT NULL DEFAULT '',
    upstream_headers  TEXT NOT NULL DEFAULT '',
    upstream_body     TEXT NOT NULL DEFAULT '',
    routing_scene     TEXT NOT NULL DEFAULT '',
    user_key_id       INTEGER,
    input_tokens      INTEGER NOT NULL DEFAULT 0,
    output_tokens     INTEGER NOT NULL DEFAULT 0,
    total_tokens      INTEGER NOT NULL DEFAULT 0,
    timestamp         DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_timestamp ON interaction_records(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_records_key ON interaction_records(user_key_id);
`,
	},
	// Migration 2: user keys + usage logs.
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS user_keys (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    key_name    TEXT NOT NULL UNIQUE,
    api_key     TEXT NOT NULL UNIQUE,
    max_tokens  INTEGER NOT NULL DEFAULT 0,
    used_tokens INTEGER NOT NULL DEFAULT 0,
    expires_at  DATETIME,
    is_active   BOOLEAN NOT NULL DEFAULT 1,
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_user_keys_api_key ON user_keys(api_key);

CREATE TABLE IF NOT EXISTS key_usage_logs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    user_key_id   INTEGER NOT NULL REFERENCES user_keys(id) ON DELETE CASCADE,
    record_id     INTEGER NOT NULL DEFAULT 0,
    model_name    TEXT NOT NULL DEFAULT '',
    platform_type TEXT NOT NULL DEFAULT '',
    input_tokens  INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    total_tokens  INTEGER NOT NULL DEFAULT 0,
    timestamp     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_logs_key ON key_usage_logs(user_key_id, timestamp);
`,
	},
	// Migration 3: system key/value settings (work mode, legacy target URL).
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS system_configs (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL DEFAULT '',
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// Enable foreign-key constraints.
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	// Ensure schema_versions table exists before reading from it.
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Platforms ────────────────────────────────────────────────────────────────

func (s *sqliteStore) SavePlatform(ctx context.Context, rec *PlatformRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.TimeoutSec <= 0 {
		rec.TimeoutSec = 30
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO platforms(platform_type, api_key, base_url, enabled, timeout_sec, created_at, updated_at)
        VALUES(?,?,?,?,?,?,?)
        ON CONFLICT(platform_type) DO UPDATE SET
            api_key     = excluded.api_key,
            base_url    = excluded.base_url,
            enabled     = excluded.enabled,
            timeout_sec = excluded.timeout_sec,
            updated_at  = excluded.updated_at
    `,
		rec.PlatformType, rec.APIKey, rec.BaseURL, rec.Enabled, rec.TimeoutSec,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert platform: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetPlatform(ctx context.Context, platformType string) (*PlatformRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,platform_type,api_key,base_url,enabled,timeout_sec,created_at,updated_at FROM platforms WHERE platform_type=?`,
		platformType)
	return scanPlatform(row)
}

func (s *sqliteStore) ListPlatforms(ctx context.Context) ([]*PlatformRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,platform_type,api_key,base_url,enabled,timeout_sec,created_at,updated_at FROM platforms ORDER BY platform_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*PlatformRecord
	for rows.Next() {
		rec, err := scanPlatform(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) DeletePlatform(ctx context.Context, platformType string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM models WHERE platform_type=?`, platformType); err != nil {
		return fmt.Errorf("delete platform models: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM platforms WHERE platform_type=?`, platformType); err != nil {
		return fmt.Errorf("delete platform: %w", err)
	}
	return tx.Commit()
}

func scanPlatform(row rowScanner) (*PlatformRecord, error) {
	rec := &PlatformRecord{}
	var ca, ua string
	err := row.Scan(&rec.ID, &rec.PlatformType, &rec.APIKey, &rec.BaseURL,
		&rec.Enabled, &rec.TimeoutSec, &ca, &ua)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt, _ = parseTime(ca)
	rec.UpdatedAt, _ = parseTime(ua)
	return rec, nil
}

// ─── Models ───────────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveModel(ctx context.Context, rec *ModelRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO models(platform_type, model_id, model_name, enabled, priority, description, created_at)
        VALUES(?,?,?,?,?,?,?)
        ON CONFLICT(platform_type, model_id) DO UPDATE SET
            model_name  = excluded.model_name,
            enabled     = excluded.enabled,
            priority    = excluded.priority,
            description = excluded.description
    `,
		rec.PlatformType, rec.ModelID, rec.ModelName, rec.Enabled,
		rec.Priority, rec.Description, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert model: %w", err)
	}
	return nil
}

func (s *sqliteStore) UpsertModels(ctx context.Context, platformType string, recs []*ModelRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, rec := range recs {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO models(platform_type, model_id, model_name, enabled, priority, description, created_at)
            VALUES(?,?,?,?,?,?,?)
            ON CONFLICT(platform_type, model_id) DO UPDATE SET
                model_name  = excluded.model_name,
                description = excluded.description
        `,
			platformType, rec.ModelID, rec.ModelName, rec.Enabled,
			rec.Priority, rec.Description, now,
		)
		if err != nil {
			return fmt.Errorf("upsert model %s: %w", rec.ModelID, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) ListModels(ctx context.Context, platformType string) ([]*ModelRecord, error) {
	query := `SELECT id,platform_type,model_id,model_name,enabled,priority,description,created_at FROM models`
	args := []any{}
	if platformType != "" {
		query += ` WHERE platform_type = ?`
		args = append(args, platformType)
	}
	query += ` ORDER BY platform_type, priority, model_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ModelRecord
	for rows.Next() {
		rec := &ModelRecord{}
		var ca string
		if err := rows.Scan(&rec.ID, &rec.PlatformType, &rec.ModelID, &rec.ModelName,
			&rec.Enabled, &rec.Priority, &rec.Description, &ca); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = parseTime(ca)
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) DeleteModel(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE id=?`, id)
	return err
}

// ─── Routing configs ──────────────────────────────────────────────────────────

func (s *sqliteStore) SaveRoutingConfig(ctx context.Context, rec *RoutingConfigRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	if rec.IsActive {
		// At most one config is active at a time.
		if _, err := tx.ExecContext(ctx, `UPDATE routing_configs SET is_active=0`); err != nil {
			return fmt.Errorf("deactivate configs: %w", err)
		}
	}

	if rec.ID == 0 {
		res, err := tx.ExecContext(ctx, `
            INSERT INTO routing_configs(config_name, config_type, is_active, config_data, created_at, updated_at)
            VALUES(?,?,?,?,?,?)
        `, rec.ConfigName, rec.ConfigType, rec.IsActive, rec.ConfigData, rec.CreatedAt, rec.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert routing config: %w", err)
		}
		rec.ID, _ = res.LastInsertId()
	} else {
		_, err := tx.ExecContext(ctx, `
            UPDATE routing_configs SET config_name=?, config_type=?, is_active=?, config_data=?, updated_at=?
            WHERE id=?
        `, rec.ConfigName, rec.ConfigType, rec.IsActive, rec.ConfigData, rec.UpdatedAt, rec.ID)
		if err != nil {
			return fmt.Errorf("update routing config: %w", err)
		}
	}

	// Scenes are replaced wholesale on every save.
	if _, err := tx.ExecContext(ctx, `DELETE FROM routing_scenes WHERE routing_config_id=?`, rec.ID); err != nil {
		return fmt.Errorf("delete scenes: %w", err)
	}

	scenes := rec.Scenes
	if rec.ConfigType == "smart_routing" && !hasDefaultScene(scenes) {
		scenes = append([]*SceneRecord{{
			SceneName: DefaultSceneName,
			SceneDesc: "Fallback scene used when classification fails",
			Models:    "[]",
			Priority:  0,
			Enabled:   true,
		}}, scenes...)
	}
	for _, sc := range scenes {
		res, err := tx.ExecContext(ctx, `
            INSERT INTO routing_scenes(routing_config_id, scene_name, scene_description, models, priority, enabled)
            VALUES(?,?,?,?,?,?)
        `, rec.ID, sc.SceneName, sc.SceneDesc, sc.Models, sc.Priority, sc.Enabled)
		if err != nil {
			return fmt.Errorf("insert scene %s: %w", sc.SceneName, err)
		}
		sc.ID, _ = res.LastInsertId()
		sc.RoutingConfigID = rec.ID
	}
	rec.Scenes = scenes

	return tx.Commit()
}

func hasDefaultScene(scenes []*SceneRecord) bool {
	for _, sc := range scenes {
		if sc.SceneName == DefaultSceneName {
			return true
		}
	}
	return false
}

func (s *sqliteStore) GetActiveRoutingConfig(ctx context.Context) (*RoutingConfigRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,config_name,config_type,is_active,config_data,created_at,updated_at FROM routing_configs WHERE is_active=1 LIMIT 1`)
	rec, err := scanRoutingConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Scenes, err = s.loadScenes(ctx, rec.ID, true)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *sqliteStore) ListRoutingConfigs(ctx context.Context) ([]*RoutingConfigRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,config_name,config_type,is_active,config_data,created_at,updated_at FROM routing_configs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*RoutingConfigRecord
	for rows.Next() {
		rec, err := scanRoutingConfig(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, rec := range result {
		rec.Scenes, err = s.loadScenes(ctx, rec.ID, false)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *sqliteStore) SetActiveRoutingConfig(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE routing_configs SET is_active=0`); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE routing_configs SET is_active=1, updated_at=? WHERE id=?`,
		time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("routing config %d not found", id)
	}
	return tx.Commit()
}

func (s *sqliteStore) DeleteRoutingConfig(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM routing_configs WHERE id=?`, id)
	return err
}

func (s *sqliteStore) loadScenes(ctx context.Context, configID int64, enabledOnly bool) ([]*SceneRecord, error) {
	query := `SELECT id,routing_config_id,scene_name,scene_description,models,priority,enabled FROM routing_scenes WHERE routing_config_id=?`
	if enabledOnly {
		query += ` AND enabled=1`
	}
	query += ` ORDER BY priority, id`

	rows, err := s.db.QueryContext(ctx, query, configID)
	if err != nil {
		return nil, fmt.Errorf("query scenes: %w", err)
	}
	defer rows.Close()

	var result []*SceneRecord
	for rows.Next() {
		sc := &SceneRecord{}
		if err := rows.Scan(&sc.ID, &sc.RoutingConfigID, &sc.SceneName, &sc.SceneDesc,
			&sc.Models, &sc.Priority, &sc.Enabled); err != nil {
			return nil, err
		}
		result = append(result, sc)
	}
	return result, rows.Err()
}

func scanRoutingConfig(row rowScanner) (*RoutingConfigRecord, error) {
	rec := &RoutingConfigRecord{}
	var ca, ua string
	err := row.Scan(&rec.ID, &rec.ConfigName, &rec.ConfigType, &rec.IsActive,
		&rec.ConfigData, &ca, &ua)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt, _ = parseTime(ca)
	rec.UpdatedAt, _ = parseTime(ua)
	return rec, nil
}

// ─── User keys ────────────────────────────────────────────────────────────────

func (s *sqliteStore) CreateKey(ctx context.Context, rec *KeyRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	var expires any
	if rec.ExpiresAt != nil {
		expires = rec.ExpiresAt.UTC()
	}
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO user_keys(key_name, api_key, max_tokens, used_tokens, expires_at, is_active, created_at, updated_at)
        VALUES(?,?,?,?,?,?,?,?)
    `,
		rec.KeyName, rec.APIKey, rec.MaxTokens, rec.UsedTokens, expires,
		rec.IsActive, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert key: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

func (s *sqliteStore) GetKeyByAPIKey(ctx context.Context, apiKey string) (*KeyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,key_name,api_key,max_tokens,used_tokens,expires_at,is_active,created_at,updated_at FROM user_keys WHERE api_key=?`,
		apiKey)
	rec, err := scanKey(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *sqliteStore) GetKey(ctx context.Context, id int64) (*KeyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,key_name,api_key,max_tokens,used_tokens,expires_at,is_active,created_at,updated_at FROM user_keys WHERE id=?`,
		id)
	rec, err := scanKey(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *sqliteStore) ListKeys(ctx context.Context) ([]*KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,key_name,api_key,max_tokens,used_tokens,expires_at,is_active,created_at,updated_at FROM user_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*KeyRecord
	for rows.Next() {
		rec, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) UpdateKey(ctx context.Context, rec *KeyRecord) error {
	var expires any
	if rec.ExpiresAt != nil {
		expires = rec.ExpiresAt.UTC()
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE user_keys SET key_name=?, max_tokens=?, expires_at=?, is_active=?, updated_at=?
        WHERE id=?
    `,
		rec.KeyName, rec.MaxTokens, expires, rec.IsActive, time.Now().UTC(), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("key %d not found", rec.ID)
	}
	return nil
}

func (s *sqliteStore) DeleteKey(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM key_usage_logs WHERE user_key_id=?`, id); err != nil {
		return fmt.Errorf("delete usage logs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_keys WHERE id=?`, id); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	return tx.Commit()
}

func (s *sqliteStore) ResetKeyUsage(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE user_keys SET used_tokens=0, updated_at=? WHERE id=?`,
		time.Now().UTC(), id); err != nil {
		return fmt.Errorf("reset used_tokens: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM key_usage_logs WHERE user_key_id=?`, id); err != nil {
		return fmt.Errorf("purge usage logs: %w", err)
	}
	return tx.Commit()
}

// AddKeyUsage appends a usage log row and bumps used_tokens in ONE transaction
// so the sum of logs always equals the key's counter.
func (s *sqliteStore) AddKeyUsage(ctx context.Context, log *UsageLogRecord) error {
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
        INSERT INTO key_usage_logs(user_key_id, record_id, model_name, platform_type, input_tokens, output_tokens, total_tokens, timestamp)
        VALUES(?,?,?,?,?,?,?,?)
    `,
		log.UserKeyID, log.RecordID, log.ModelName, log.PlatformType,
		log.InputTokens, log.OutputTokens, log.TotalTokens, log.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	log.ID, _ = res.LastInsertId()

	if log.TotalTokens > 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE user_keys SET used_tokens = used_tokens + ?, updated_at = ? WHERE id = ?`,
			log.TotalTokens, time.Now().UTC(), log.UserKeyID,
		)
		if err != nil {
			return fmt.Errorf("increment used_tokens: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) GetKeyStatistics(ctx context.Context, keyID int64, from, to time.Time) (*KeyStatistics, error) {
	stats := &KeyStatistics{}

	row := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*),
               COALESCE(SUM(total_tokens), 0),
               COALESCE(SUM(input_tokens), 0),
               COALESCE(SUM(output_tokens), 0)
        FROM key_usage_logs
        WHERE user_key_id=? AND timestamp >= ? AND timestamp <= ?
    `, keyID, from.UTC(), to.UTC())
	if err := row.Scan(&stats.TotalCalls, &stats.TotalTokens, &stats.InputTokens, &stats.OutputTokens); err != nil {
		return nil, err
	}

	byModel, err := s.usageBreakdown(ctx, keyID, "model_name", from, to)
	if err != nil {
		return nil, err
	}
	stats.ByModel = byModel

	byPlatform, err := s.usageBreakdown(ctx, keyID, "platform_type", from, to)
	if err != nil {
		return nil, err
	}
	stats.ByPlatform = byPlatform

	return stats, nil
}

func (s *sqliteStore) usageBreakdown(ctx context.Context, keyID int64, column string, from, to time.Time) ([]UsageBreakdown, error) {
	// column is one of the fixed identifiers above, never user input.
	query := fmt.Sprintf(`
        SELECT %s,
               COUNT(*),
               COALESCE(SUM(total_tokens), 0),
               COALESCE(SUM(input_tokens), 0),
               COALESCE(SUM(output_tokens), 0)
        FROM key_usage_logs
        WHERE user_key_id=? AND timestamp >= ? AND timestamp <= ?
        GROUP BY %s
    `, column, column)

	rows, err := s.db.QueryContext(ctx, query, keyID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []UsageBreakdown
	for rows.Next() {
		var b UsageBreakdown
		if err := rows.Scan(&b.Name, &b.CallCount, &b.TotalTokens, &b.InputTokens, &b.OutputTokens); err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func scanKey(row rowScanner) (*KeyRecord, error) {
	rec := &KeyRecord{}
	var ca, ua string
	var expires sql.NullString
	err := row.Scan(&rec.ID, &rec.KeyName, &rec.APIKey, &rec.MaxTokens, &rec.UsedTokens,
		&expires, &rec.IsActive, &ca, &ua)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt, _ = parseTime(ca)
	rec.UpdatedAt, _ = parseTime(ua)
	if expires.Valid && expires.String != "" {
		if t, err := parseTime(expires.String); err == nil {
			rec.ExpiresAt = &t
		}
	}
	return rec, nil
}

// ─── Interaction records ──────────────────────────────────────────────────────

func (s *sqliteStore) SaveRecord(ctx context.Context, rec *InteractionRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	var keyID any
	if rec.UserKeyID != nil {
		keyID = *rec.UserKeyID
	}
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO interaction_records(
            method, path, headers, body,
            response_status, response_headers, response_body,
            duration_ms, target_platform, target_model, platform_base_url,
            processed_prompt, processed_headers, upstream_headers, upstream_body,
            routing_scene, user_key_id, input_tokens, output_tokens, total_tokens, timestamp)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
    `,
		rec.Method, rec.Path, rec.Headers, rec.Body,
		rec.ResponseStatus, rec.ResponseHeaders, rec.ResponseBody,
		rec.DurationMs, rec.TargetPlatform, rec.TargetModel, rec.PlatformBaseURL,
		rec.ProcessedPrompt, rec.ProcessedHdrs, rec.UpstreamHeaders, rec.UpstreamBody,
		rec.RoutingScene, keyID, rec.InputTokens, rec.OutputTokens, rec.TotalTokens,
		rec.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

func (s *sqliteStore) GetRecord(ctx context.Context, id int64) (*InteractionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, method, path, headers, body,
               response_status, response_headers, response_body,
               duration_ms, target_platform, target_model, platform_base_url,
               processed_prompt, processed_headers, upstream_headers, upstream_body,
               routing_scene, user_key_id, input_tokens, output_tokens, total_tokens, timestamp
        FROM interaction_records WHERE id=?
    `, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *sqliteStore) ListRecords(ctx context.Context, limit, offset int) ([]*InteractionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, method, path, headers, body,
               response_status, response_headers, response_body,
               duration_ms, target_platform, target_model, platform_base_url,
               processed_prompt, processed_headers, upstream_headers, upstream_body,
               routing_scene, user_key_id, input_tokens, output_tokens, total_tokens, timestamp
        FROM interaction_records ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?
    `, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*InteractionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) CountRecords(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM interaction_records`).Scan(&count)
	return count, err
}

func (s *sqliteStore) TruncateRecords(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM interaction_records`)
	return err
}

func scanRecord(row rowScanner) (*InteractionRecord, error) {
	rec := &InteractionRecord{}
	var ts string
	var keyID sql.NullInt64
	err := row.Scan(&rec.ID, &rec.Method, &rec.Path, &rec.Headers, &rec.Body,
		&rec.ResponseStatus, &rec.ResponseHeaders, &rec.ResponseBody,
		&rec.DurationMs, &rec.TargetPlatform, &rec.TargetModel, &rec.PlatformBaseURL,
		&rec.ProcessedPrompt, &rec.ProcessedHdrs, &rec.UpstreamHeaders, &rec.UpstreamBody,
		&rec.RoutingScene, &keyID, &rec.InputTokens, &rec.OutputTokens, &rec.TotalTokens, &ts)
	if err != nil {
		return nil, err
	}
	rec.Timestamp, _ = parseTime(ts)
	if keyID.Valid {
		rec.UserKeyID = &keyID.Int64
	}
	return rec, nil
}

// ─── System configs ───────────────────────────────────────────────────────────

func (s *sqliteStore) GetSystemConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_configs WHERE key=?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *sqliteStore) SetSystemConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO system_configs(key, value, updated_at)
        VALUES(?,?,?)
        ON CONFLICT(key) DO UPDATE SET
            value      = excluded.value,
            updated_at = excluded.updated_at
    `, key, value, time.Now().UTC())
	return err
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

// parseTime handles multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
