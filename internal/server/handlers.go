package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lxsgate/lxsgate/internal/db"
	"github.com/lxsgate/lxsgate/internal/router"
)

const maskedAPIKey = "********"

// writeJSON writes v as a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErr writes a control API error body.
func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id "+strconv.Quote(raw))
		return 0, false
	}
	return id, true
}

// maskPlatform hides the stored API key before a platform row leaves the
// process.
func maskPlatform(rec *db.PlatformRecord) *db.PlatformRecord {
	out := *rec
	if out.APIKey != "" {
		out.APIKey = maskedAPIKey
	}
	return &out
}

// ─── Platforms ────────────────────────────────────────────────────────────────

func (s *Server) handlePlatforms(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rows, err := s.store.ListPlatforms(r.Context())
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]*db.PlatformRecord, 0, len(rows))
		for _, rec := range rows {
			out = append(out, maskPlatform(rec))
		}
		writeJSON(w, http.StatusOK, out)

	case http.MethodPost:
		var rec db.PlatformRecord
		if !decodeBody(w, r, &rec) {
			return
		}
		if rec.PlatformType == "" {
			writeErr(w, http.StatusBadRequest, "platform_type is required")
			return
		}
		// A masked key in the payload means "keep the stored one".
		if rec.APIKey == maskedAPIKey {
			if existing, err := s.store.GetPlatform(r.Context(), rec.PlatformType); err == nil && existing != nil {
				rec.APIKey = existing.APIKey
			}
		}
		if err := s.store.SavePlatform(r.Context(), &rec); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := s.reloadSnapshots(r.Context()); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, maskPlatform(&rec))

	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handlePlatformItem routes /_api/platforms/{type} and its
// test / refresh-models sub-actions.
func (s *Server) handlePlatformItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/_api/platforms/"), "/")
	parts := strings.Split(rest, "/")

	platformType := parts[0]
	if platformType == "" {
		writeErr(w, http.StatusBadRequest, "platform type is required")
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "test":
			s.handlePlatformTest(w, r, platformType)
		case "refresh-models":
			s.handlePlatformRefreshModels(w, r, platformType)
		default:
			writeErr(w, http.StatusNotFound, "unknown platform action "+strconv.Quote(parts[1]))
		}
		return
	}
	if len(parts) != 1 {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, err := s.store.GetPlatform(r.Context(), platformType)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		if rec == nil {
			writeErr(w, http.StatusNotFound, "platform not configured: "+platformType)
			return
		}
		writeJSON(w, http.StatusOK, maskPlatform(rec))

	case http.MethodDelete:
		if err := s.store.DeletePlatform(r.Context(), platformType); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := s.reloadSnapshots(r.Context()); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": platformType})

	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handlePlatformTest(w http.ResponseWriter, r *http.Request, platformType string) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	client := s.Registry().Get(platformType)
	if client == nil {
		writeErr(w, http.StatusNotFound, "platform not loaded: "+platformType)
		return
	}
	ok := client.TestConnection(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"platform_type": platformType,
		"connected":     ok,
		"base_url":      client.BaseURL(),
	})
}

func (s *Server) handlePlatformRefreshModels(w http.ResponseWriter, r *http.Request, platformType string) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	client := s.Registry().Get(platformType)
	if client == nil {
		writeErr(w, http.StatusNotFound, "platform not loaded: "+platformType)
		return
	}
	models, err := client.ListModels(r.Context())
	if err != nil {
		writeErr(w, http.StatusBadGateway, "list models: "+err.Error())
		return
	}

	recs := make([]*db.ModelRecord, 0, len(models))
	for _, m := range models {
		recs = append(recs, &db.ModelRecord{
			PlatformType: platformType,
			ModelID:      m.ID,
			ModelName:    m.Name,
			Description:  m.Description,
			Enabled:      true,
		})
	}
	if err := s.store.UpsertModels(r.Context(), platformType, recs); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("refreshed models",
		zap.String("platform", platformType),
		zap.Int("count", len(recs)))
	writeJSON(w, http.StatusOK, map[string]any{
		"platform_type": platformType,
		"count":         len(recs),
	})
}

// ─── Models ───────────────────────────────────────────────────────────────────

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rows, err := s.store.ListModels(r.Context(), r.URL.Query().Get("platform"))
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rows)

	case http.MethodPost:
		var rec db.ModelRecord
		if !decodeBody(w, r, &rec) {
			return
		}
		if rec.PlatformType == "" || rec.ModelID == "" {
			writeErr(w, http.StatusBadRequest, "platform_type and model_id are required")
			return
		}
		if err := s.store.SaveModel(r.Context(), &rec); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, &rec)

	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleModelItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, ok := pathID(w, strings.TrimPrefix(r.URL.Path, "/_api/models/"))
	if !ok {
		return
	}
	if err := s.store.DeleteModel(r.Context(), id); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

// ─── Routing configs ──────────────────────────────────────────────────────────

func (s *Server) handleRoutingConfigs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rows, err := s.store.ListRoutingConfigs(r.Context())
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rows)

	case http.MethodPost:
		var rec db.RoutingConfigRecord
		if !decodeBody(w, r, &rec) {
			return
		}
		if rec.ConfigName == "" || rec.ConfigType == "" {
			writeErr(w, http.StatusBadRequest, "config_name and config_type are required")
			return
		}
		switch rec.ConfigType {
		case router.ModeClaudeCode, router.ModeGlobalDirect, router.ModeSmartRouting:
		default:
			writeErr(w, http.StatusBadRequest, "unknown config_type "+strconv.Quote(rec.ConfigType))
			return
		}
		if err := s.store.SaveRoutingConfig(r.Context(), &rec); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := s.reloadSnapshots(r.Context()); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, &rec)

	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleRoutingConfigItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/_api/routing-configs/"), "/")
	parts := strings.Split(rest, "/")

	id, ok := pathID(w, parts[0])
	if !ok {
		return
	}

	if len(parts) == 2 && parts[1] == "activate" {
		if r.Method != http.MethodPost {
			writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := s.store.SetActiveRoutingConfig(r.Context(), id); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := s.reloadSnapshots(r.Context()); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"activated": id})
		return
	}
	if len(parts) != 1 {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := s.store.DeleteRoutingConfig(r.Context(), id); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := s.reloadSnapshots(r.Context()); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": id})

	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// ─── User keys ────────────────────────────────────────────────────────────────

type keyPayload struct {
	KeyName   string     `json:"key_name"`
	MaxTokens int64      `json:"max_tokens"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rows, err := s.store.ListKeys(r.Context())
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rows)

	case http.MethodPost:
		var p keyPayload
		if !decodeBody(w, r, &p) {
			return
		}
		if p.KeyName == "" {
			writeErr(w, http.StatusBadRequest, "key_name is required")
			return
		}
		if p.MaxTokens < 0 {
			writeErr(w, http.StatusBadRequest, "max_tokens must be >= 0")
			return
		}
		rec := &db.KeyRecord{
			KeyName:   p.KeyName,
			APIKey:    db.GenerateAPIKey(),
			MaxTokens: p.MaxTokens,
			ExpiresAt: p.ExpiresAt,
			IsActive:  true,
		}
		if err := s.store.CreateKey(r.Context(), rec); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		// The only response that ever carries the full key value.
		writeJSON(w, http.StatusOK, rec)

	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleKeyItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/_api/keys/"), "/")
	parts := strings.Split(rest, "/")

	if len(parts) == 1 && parts[0] == "overview" {
		s.handleKeyOverview(w, r)
		return
	}

	id, ok := pathID(w, parts[0])
	if !ok {
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "reset":
			s.handleKeyReset(w, r, id)
		case "statistics":
			s.handleKeyStatistics(w, r, id)
		default:
			writeErr(w, http.StatusNotFound, "unknown key action "+strconv.Quote(parts[1]))
		}
		return
	}
	if len(parts) != 1 {
		writeErr(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, err := s.store.GetKey(r.Context(), id)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		if rec == nil {
			writeErr(w, http.StatusNotFound, "key not found")
			return
		}
		writeJSON(w, http.StatusOK, rec)

	case http.MethodPut:
		rec, err := s.store.GetKey(r.Context(), id)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		if rec == nil {
			writeErr(w, http.StatusNotFound, "key not found")
			return
		}
		// Partial update: only fields present in the payload change. An
		// explicit "expires_at": null clears the expiry; an absent field
		// leaves it alone.
		var fields map[string]json.RawMessage
		if !decodeBody(w, r, &fields) {
			return
		}
		if v, ok := fields["key_name"]; ok {
			var name string
			if err := json.Unmarshal(v, &name); err != nil || name == "" {
				writeErr(w, http.StatusBadRequest, "key_name must be a non-empty string")
				return
			}
			rec.KeyName = name
		}
		if v, ok := fields["max_tokens"]; ok {
			var mt int64
			if err := json.Unmarshal(v, &mt); err != nil || mt < 0 {
				writeErr(w, http.StatusBadRequest, "max_tokens must be >= 0")
				return
			}
			rec.MaxTokens = mt
		}
		if v, ok := fields["expires_at"]; ok {
			var exp *time.Time
			if err := json.Unmarshal(v, &exp); err != nil {
				writeErr(w, http.StatusBadRequest, "invalid expires_at: "+err.Error())
				return
			}
			rec.ExpiresAt = exp
		}
		if v, ok := fields["is_active"]; ok {
			var active bool
			if err := json.Unmarshal(v, &active); err != nil {
				writeErr(w, http.StatusBadRequest, "is_active must be a boolean")
				return
			}
			rec.IsActive = active
		}
		if err := s.store.UpdateKey(r.Context(), rec); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rec)

	case http.MethodDelete:
		if err := s.store.DeleteKey(r.Context(), id); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": id})

	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleKeyReset(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.store.ResetKeyUsage(r.Context(), id); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": id})
}

// handleKeyOverview aggregates the key table for the dashboard: counts by
// state plus total consumed tokens.
func (s *Server) handleKeyOverview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	keys, err := s.store.ListKeys(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	now := time.Now()
	var active, admissible int
	var usedTokens int64
	for _, k := range keys {
		if k.IsActive {
			active++
		}
		if k.Admissible(now) {
			admissible++
		}
		usedTokens += k.UsedTokens
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_keys":      len(keys),
		"active_keys":     active,
		"admissible_keys": admissible,
		"used_tokens":     usedTokens,
	})
}

func (s *Server) handleKeyStatistics(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Default window: the last 30 days.
	to := time.Now()
	from := to.AddDate(0, 0, -30)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "invalid from timestamp: "+err.Error())
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeErr(w, http.StatusBadRequest, "invalid to timestamp: "+err.Error())
			return
		}
		to = t
	}

	stats, err := s.store.GetKeyStatistics(r.Context(), id, from, to)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ─── Interaction records ──────────────────────────────────────────────────────

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := queryInt(r, "limit", 50)
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		offset := queryInt(r, "offset", 0)
		if offset < 0 {
			offset = 0
		}

		total, err := s.store.CountRecords(r.Context())
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		rows, err := s.store.ListRecords(r.Context(), limit, offset)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"total":   total,
			"records": rows,
		})

	case http.MethodDelete:
		if err := s.store.TruncateRecords(r.Context()); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"truncated": true})

	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleRecordItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, ok := pathID(w, strings.TrimPrefix(r.URL.Path, "/_api/records/"))
	if !ok {
		return
	}
	rec, err := s.store.GetRecord(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		writeErr(w, http.StatusNotFound, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// ─── System ───────────────────────────────────────────────────────────────────

func (s *Server) handleWorkMode(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"work_mode": s.WorkMode()})

	case http.MethodPut:
		var p struct {
			WorkMode string `json:"work_mode"`
		}
		if !decodeBody(w, r, &p) {
			return
		}
		switch p.WorkMode {
		case router.ModeClaudeCode, router.ModeGlobalDirect, router.ModeSmartRouting:
		default:
			writeErr(w, http.StatusBadRequest, "unknown work_mode "+strconv.Quote(p.WorkMode))
			return
		}
		if err := s.store.SetSystemConfig(r.Context(), db.ConfigKeyWorkMode, p.WorkMode); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.workMode.Store(&p.WorkMode)
		if err := s.reloadSnapshots(r.Context()); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.logger.Info("work mode changed", zap.String("work_mode", p.WorkMode))
		writeJSON(w, http.StatusOK, map[string]any{"work_mode": p.WorkMode})

	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleReinitialize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.reloadSnapshots(r.Context()); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reinitialized": true,
		"platforms":     s.Registry().Types(),
	})
}
