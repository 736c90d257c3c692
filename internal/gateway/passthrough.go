package gateway

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Record labels for legacy passthrough calls.
const (
	legacyPlatformLabel = "DashScope"
	legacyModelLabel    = "claude-code-proxy"
)

// Hop-by-hop headers are stripped in both directions; everything else,
// including authentication headers, is forwarded untouched.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// passthrough proxies the raw call to the legacy claude_code endpoint.
// Routing is a no-op in this mode and API keys are not checked.
func (g *Gateway) passthrough(w http.ResponseWriter, r *http.Request, body []byte, st *callState) {
	target := strings.TrimRight(g.legacyURL(), "/")
	if r.URL.Path != "/" && r.URL.Path != "" {
		target += r.URL.Path
	}
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	st.rec.TargetPlatform = legacyPlatformLabel
	st.rec.TargetModel = legacyModelLabel
	st.rec.PlatformBaseURL = g.legacyURL()

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(body))
	if err != nil {
		st.rec.ResponseStatus = http.StatusInternalServerError
		st.rec.ResponseBody = string(writeErrorJSON(w, http.StatusInternalServerError, ErrTypeInternal,
			"failed to build passthrough request: "+err.Error()))
		return
	}
	req.Header = r.Header.Clone()
	for _, h := range hopByHopHeaders {
		req.Header.Del(h)
	}
	// Host is left to the transport so it matches the legacy target.
	req.Header.Del("Host")
	req.Host = ""

	resp, err := g.legacy.Do(req)
	if err != nil {
		g.logger.Error("passthrough request failed",
			zap.String("target", target), zap.Error(err))
		st.rec.ResponseStatus = http.StatusBadGateway
		st.rec.ResponseBody = string(writeErrorJSON(w, http.StatusBadGateway, ErrTypeUpstream,
			"passthrough request failed: "+err.Error()))
		return
	}
	defer resp.Body.Close()

	st.rec.UpstreamHeaders = marshalHeaders(resp.Header)
	st.rec.ResponseStatus = resp.StatusCode
	st.rec.ResponseHeaders = marshalHeaders(resp.Header)

	header := w.Header()
	for k, vals := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vals {
			header.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	// Stream the body through while capturing it for the record, so SSE
	// responses reach the client incrementally.
	flusher, _ := w.(http.Flusher)
	var captured bytes.Buffer
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			captured.Write(buf[:n])
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				g.logger.Warn("passthrough body read failed", zap.Error(readErr))
			}
			break
		}
	}
	st.rec.ResponseBody = captured.String()
	st.rec.UpstreamBody = captured.String()
}

func isHopByHop(header string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}
