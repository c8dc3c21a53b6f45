package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/rhyanalmeida/theacewebcrm-sub005/logging"
	"github.com/rhyanalmeida/theacewebcrm-sub005/metrics"
)

const headerRequestID = "X-Request-ID"

// RequestLogger 為每個請求建立帶 request id 的 logger，並記錄狀態碼、延遲與指標。
// httpsnoop 保留 Hijacker 等介面，WebSocket 升級不受影響。
func RequestLogger(logger zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get(headerRequestID)
			if reqID == "" {
				reqID = uuid.New().String()
			}
			w.Header().Set(headerRequestID, reqID)

			child := logger.With().
				Str(logging.FieldRequestID, reqID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("client_ip", clientIP(r)).
				Logger()
			r = r.WithContext(logging.WithLogger(r.Context(), child))

			m := httpsnoop.CaptureMetrics(next, w, r)

			route := routeTemplate(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(m.Code)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(m.Duration.Seconds())

			child.Info().
				Int("status", m.Code).
				Int64("bytes", m.Written).
				Dur("latency", m.Duration).
				Msg("request completed")
		})
	}
}

// 使用路由樣板當作指標標籤，避免 id 讓標籤數量失控
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
