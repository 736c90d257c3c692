// Package gateway implements the request pipeline: admission, routing,
// transcoding, the upstream call, streaming conversion, and the deferred
// interaction record write.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lxsgate/lxsgate/internal/db"
	"github.com/lxsgate/lxsgate/internal/metrics"
	"github.com/lxsgate/lxsgate/internal/platform"
	"github.com/lxsgate/lxsgate/internal/router"
	"github.com/lxsgate/lxsgate/internal/transcode"
)

// Broadcaster pushes a minimal record summary to live subscribers after each
// recorded call. Implementations must not block.
type Broadcaster interface {
	BroadcastRecord(summary RecordSummary)
}

// RecordSummary is the live-update payload sent over the WebSocket channel.
type RecordSummary struct {
	ID             int64  `json:"id"`
	Method         string `json:"method"`
	Path           string `json:"path"`
	Status         int    `json:"status"`
	DurationMs     int64  `json:"duration_ms"`
	TargetPlatform string `json:"target_platform"`
	TargetModel    string `json:"target_model"`
	TotalTokens    int64  `json:"total_tokens"`
}

// Options wires the gateway's collaborators.
type Options struct {
	Store       db.Store
	Router      *router.Router
	Registry    func() *platform.Registry // snapshot getter, captured per request
	Mode        func() string             // current work mode
	LegacyURL   func() string             // claude_code passthrough target
	Broadcaster Broadcaster
	Logger      *zap.Logger
	// LegacyTimeout bounds the passthrough round trip.
	LegacyTimeout time.Duration
}

// Gateway handles every request that is not an internal control route.
type Gateway struct {
	store       db.Store
	router      *router.Router
	registry    func() *platform.Registry
	mode        func() string
	legacyURL   func() string
	broadcaster Broadcaster
	logger      *zap.Logger
	legacy      *http.Client
}

// New builds the gateway pipeline.
func New(opts Options) *Gateway {
	timeout := opts.LegacyTimeout
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	return &Gateway{
		store:       opts.Store,
		router:      opts.Router,
		registry:    opts.Registry,
		mode:        opts.Mode,
		legacyURL:   opts.LegacyURL,
		broadcaster: opts.Broadcaster,
		logger:      opts.Logger,
		legacy:      &http.Client{Timeout: timeout},
	}
}

// callState accumulates everything the deferred record write needs. The
// handlers mutate it as the pipeline advances; finalize runs on every exit
// path, success or error.
type callState struct {
	rec   *db.InteractionRecord
	key   *db.KeyRecord
	mode  string
	start time.Time
}

// ServeHTTP runs the pipeline for one client request.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		body = nil
	}

	st := &callState{
		start: start,
		mode:  g.mode(),
		rec: &db.InteractionRecord{
			Method:    r.Method,
			Path:      r.URL.Path,
			Headers:   marshalHeaders(r.Header),
			Body:      string(body),
			Timestamp: start,
		},
	}
	defer g.finalize(st)

	// Step 1: legacy passthrough mode bypasses admission and routing.
	if st.mode == router.ModeClaudeCode {
		g.passthrough(w, r, body, st)
		return
	}

	// Step 2: key admission.
	if !g.admit(w, r, st) {
		return
	}

	// Step 3: parse.
	if r.Method != http.MethodPost {
		st.rec.ResponseStatus = http.StatusBadRequest
		st.rec.ResponseBody = string(writeErrorJSON(w, http.StatusBadRequest, ErrTypeBadRequest,
			"only POST is supported in multi-platform mode"))
		return
	}
	var bodyMap map[string]any
	if err := json.Unmarshal(body, &bodyMap); err != nil {
		st.rec.ResponseStatus = http.StatusBadRequest
		st.rec.ResponseBody = string(writeErrorJSON(w, http.StatusBadRequest, ErrTypeBadRequest,
			"request body is not valid JSON"))
		return
	}
	req := transcode.ParseRequest(bodyMap)

	// Step 4: route against the registry snapshot captured here.
	reg := g.registry()
	res, err := g.router.Route(r.Context(), req.Messages, reg)
	if err != nil {
		st.rec.ResponseStatus = http.StatusBadGateway
		st.rec.ResponseBody = string(writeErrorJSON(w, http.StatusBadGateway, ErrTypeRouting, err.Error()))
		return
	}
	if res.Passthrough {
		g.passthrough(w, r, body, st)
		return
	}

	client := reg.Get(res.PlatformType)
	if client == nil {
		st.rec.ResponseStatus = http.StatusBadGateway
		st.rec.ResponseBody = string(writeErrorJSON(w, http.StatusBadGateway, ErrTypeRouting,
			"platform adapter not loaded: "+res.PlatformType))
		return
	}

	// Steps 5-6: transcode and build the upstream payload.
	payload := req.UpstreamPayload(res.PlatformType, res.ModelID)
	processed, _ := json.Marshal(payload)

	st.rec.TargetPlatform = res.PlatformType
	st.rec.TargetModel = res.ModelID
	st.rec.RoutingScene = res.Scene
	st.rec.PlatformBaseURL = client.BaseURL()
	st.rec.ProcessedPrompt = string(processed)
	st.rec.ProcessedHdrs = `{"Content-Type":"application/json"}`
	if res.Scene != "" {
		st.rec.Path = st.rec.Path + " → " + res.PlatformType + ":" + res.ModelID + " (" + res.Scene + ")"
	} else {
		st.rec.Path = st.rec.Path + " → " + res.PlatformType + ":" + res.ModelID
	}

	conv := transcode.NewStreamConverter(client.Flavor(), req.Model)
	conv.SetInputTokens(estimateInputTokens(payload))

	// Step 7: issue the upstream call.
	if req.Stream {
		g.serveStream(w, r, client, payload, conv, st)
	} else {
		g.serveComplete(w, r, client, payload, req.Model, conv, st)
	}
}

// admit resolves and checks the API key. On rejection it writes the 401
// response and returns false.
func (g *Gateway) admit(w http.ResponseWriter, r *http.Request, st *callState) bool {
	reject := func(reason, message string) bool {
		metrics.KeyRejectionsTotal.WithLabelValues(reason).Inc()
		st.rec.ResponseStatus = http.StatusUnauthorized
		st.rec.ResponseBody = string(writeErrorJSON(w, http.StatusUnauthorized, ErrTypeAuthentication, message))
		return false
	}

	apiKey := extractAPIKey(r)
	if apiKey == "" {
		return reject("missing", "missing API key: provide Authorization: Bearer or api-key header")
	}

	key, err := g.store.GetKeyByAPIKey(r.Context(), apiKey)
	if err != nil {
		g.logger.Error("key lookup failed", zap.Error(err))
		st.rec.ResponseStatus = http.StatusInternalServerError
		st.rec.ResponseBody = string(writeErrorJSON(w, http.StatusInternalServerError, ErrTypeInternal,
			"key lookup failed"))
		return false
	}
	if key == nil {
		return reject("unknown", "invalid API key")
	}

	st.key = key
	st.rec.UserKeyID = &key.ID

	now := time.Now()
	switch {
	case !key.IsActive:
		return reject("inactive", "API key is disabled")
	case key.ExpiresAt != nil && !key.ExpiresAt.After(now):
		return reject("expired", "API key has expired")
	case key.MaxTokens > 0 && key.UsedTokens >= key.MaxTokens:
		return reject("exhausted", "API key token budget exhausted")
	}
	return true
}

// serveStream feeds the upstream chunk stream through the converter and
// writes Anthropic SSE events to the client.
func (g *Gateway) serveStream(w http.ResponseWriter, r *http.Request, client platform.Client,
	payload map[string]any, conv *transcode.StreamConverter, st *callState) {

	stream, err := client.ChatStream(r.Context(), payload)
	if err != nil {
		g.upstreamFailure(w, err, true, st)
		return
	}
	defer stream.Close()

	st.rec.UpstreamHeaders = marshalHeaders(stream.Header)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	var emitted strings.Builder
	clientGone := false
	for {
		line, ok := stream.Next()
		if !ok {
			break
		}
		events := conv.Feed(line)
		if events == "" {
			continue
		}
		emitted.WriteString(events)
		metrics.SSEEventsTotal.WithLabelValues(client.Flavor()).Add(float64(strings.Count(events, "\nevent:")))
		if !clientGone {
			if _, err := io.WriteString(w, events); err != nil {
				// Client disconnected; stop writing but keep draining is
				// pointless, cancel via context instead.
				clientGone = true
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
	if err := stream.Err(); err != nil && r.Context().Err() == nil {
		g.logger.Warn("upstream stream read failed",
			zap.String("platform", client.Type()), zap.Error(err))
	}

	// Force-close the event sequence when the upstream ended without a
	// terminal chunk.
	if tail := conv.Finish(); tail != "" {
		emitted.WriteString(tail)
		if !clientGone {
			io.WriteString(w, tail)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}

	st.rec.ResponseStatus = http.StatusOK
	st.rec.ResponseHeaders = `{"Content-Type":"text/event-stream"}`
	st.rec.ResponseBody = emitted.String()
	st.setTokens(conv.Usage())
}

// serveComplete issues a buffered upstream call and returns the aggregated
// Anthropic document.
func (g *Gateway) serveComplete(w http.ResponseWriter, r *http.Request, client platform.Client,
	payload map[string]any, originalModel string, conv *transcode.StreamConverter, st *callState) {

	raw, hdrs, err := client.Chat(r.Context(), payload)
	if err != nil {
		g.upstreamFailure(w, err, false, st)
		return
	}

	st.rec.UpstreamHeaders = marshalHeaders(hdrs)
	st.rec.UpstreamBody = string(raw)

	converted, err := transcode.ConvertCompleteResponse(raw, originalModel)
	if err != nil {
		st.rec.ResponseStatus = http.StatusInternalServerError
		st.rec.ResponseBody = string(writeErrorJSON(w, http.StatusInternalServerError, ErrTypeInternal,
			"response conversion failed: "+err.Error()))
		return
	}

	inTokens, outTokens := transcode.ExtractUsage(raw)
	if inTokens == 0 {
		inTokens, _ = conv.Usage()
	}
	if outTokens == 0 {
		outTokens = transcode.EstimateTokens(assistantText(converted))
	}
	st.setTokens(inTokens, outTokens)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(converted)

	st.rec.ResponseStatus = http.StatusOK
	st.rec.ResponseHeaders = `{"Content-Type":"application/json"}`
	st.rec.ResponseBody = string(converted)
}

// upstreamFailure maps an adapter error onto the client error surface:
// upstream_error with the embedded status and body for non-2xx responses,
// internal_error otherwise. Streaming requests get the error as an SSE event.
func (g *Gateway) upstreamFailure(w http.ResponseWriter, err error, streaming bool, st *callState) {
	var ue *platform.UpstreamError
	errType := ErrTypeInternal
	message := err.Error()
	status := http.StatusInternalServerError
	if errors.As(err, &ue) {
		errType = ErrTypeUpstream
		message = upstreamErrorMessage(ue.Platform, ue.Status, ue.Body)
		status = http.StatusBadGateway
		st.rec.UpstreamBody = ue.Body
	}

	g.logger.Error("upstream call failed",
		zap.String("platform", st.rec.TargetPlatform),
		zap.String("model", st.rec.TargetModel),
		zap.Error(err))
	metrics.UpstreamRequestsTotal.WithLabelValues(st.rec.TargetPlatform, st.rec.TargetModel, "error").Inc()

	st.rec.ResponseStatus = status
	if streaming {
		st.rec.ResponseBody = string(writeErrorSSE(w, errType, message))
	} else {
		st.rec.ResponseBody = string(writeErrorJSON(w, status, errType, message))
	}
}

// finalize persists the interaction record, applies the key usage increment
// and broadcasts the summary. It runs on every exit path; record failures are
// logged, never surfaced to the client.
func (g *Gateway) finalize(st *callState) {
	st.rec.DurationMs = time.Since(st.start).Milliseconds()
	if st.rec.ResponseStatus == 0 {
		st.rec.ResponseStatus = http.StatusInternalServerError
	}

	// The client context may already be canceled; the record write must
	// still happen.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := g.store.SaveRecord(ctx, st.rec); err != nil {
		g.logger.Error("failed to persist interaction record",
			zap.String("path", st.rec.Path), zap.Error(err))
	} else if st.key != nil && st.rec.ResponseStatus < 400 {
		usage := &db.UsageLogRecord{
			UserKeyID:    st.key.ID,
			RecordID:     st.rec.ID,
			ModelName:    st.rec.TargetModel,
			PlatformType: st.rec.TargetPlatform,
			InputTokens:  st.rec.InputTokens,
			OutputTokens: st.rec.OutputTokens,
			TotalTokens:  st.rec.TotalTokens,
			Timestamp:    time.Now(),
		}
		if err := g.store.AddKeyUsage(ctx, usage); err != nil {
			g.logger.Error("failed to record key usage",
				zap.Int64("key_id", st.key.ID), zap.Error(err))
		}
	}

	metrics.RequestsTotal.WithLabelValues(st.mode, statusLabel(st.rec.ResponseStatus)).Inc()
	metrics.RequestDuration.WithLabelValues(st.mode).Observe(time.Since(st.start).Seconds())
	if st.rec.TargetPlatform != "" && st.rec.ResponseStatus < 400 {
		metrics.UpstreamRequestsTotal.WithLabelValues(st.rec.TargetPlatform, st.rec.TargetModel, "ok").Inc()
		metrics.TokensTotal.WithLabelValues(st.rec.TargetPlatform, st.rec.TargetModel, "input").Add(float64(st.rec.InputTokens))
		metrics.TokensTotal.WithLabelValues(st.rec.TargetPlatform, st.rec.TargetModel, "output").Add(float64(st.rec.OutputTokens))
	}

	if g.broadcaster != nil {
		g.broadcaster.BroadcastRecord(RecordSummary{
			ID:             st.rec.ID,
			Method:         st.rec.Method,
			Path:           st.rec.Path,
			Status:         st.rec.ResponseStatus,
			DurationMs:     st.rec.DurationMs,
			TargetPlatform: st.rec.TargetPlatform,
			TargetModel:    st.rec.TargetModel,
			TotalTokens:    st.rec.TotalTokens,
		})
	}
}

func (st *callState) setTokens(input, output int) {
	st.rec.InputTokens = int64(input)
	st.rec.OutputTokens = int64(output)
	st.rec.TotalTokens = int64(input + output)
}

// extractAPIKey pulls the user key from Authorization: Bearer or api-key.
func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return strings.TrimSpace(r.Header.Get("api-key"))
}

// estimateInputTokens runs the token estimator over the joined upstream
// message texts. The upstream-reported usage overwrites it later when
// positive.
func estimateInputTokens(payload map[string]any) int {
	messages, ok := payload["messages"].([]map[string]any)
	if !ok {
		return 0
	}
	var parts []string
	for _, msg := range messages {
		if content, ok := msg["content"].(string); ok && content != "" {
			parts = append(parts, content)
		}
	}
	return transcode.EstimateTokens(strings.Join(parts, "\n"))
}

// assistantText pulls the text blocks out of a converted Anthropic document,
// for estimator fallback when the upstream reports no usage.
func assistantText(doc []byte) string {
	var data struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(doc, &data); err != nil {
		return ""
	}
	var b strings.Builder
	for _, block := range data.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

func marshalHeaders(h http.Header) string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		flat[k] = strings.Join(v, ", ")
	}
	data, _ := json.Marshal(flat)
	return string(data)
}

func statusLabel(status int) string {
	switch {
	case status < 400:
		return "ok"
	case status < 500:
		return "client_error"
	default:
		return "server_error"
	}
}
