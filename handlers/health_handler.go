package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/rhyanalmeida/theacewebcrm-sub005/logging"
	"github.com/rhyanalmeida/theacewebcrm-sub005/models"
	"github.com/rhyanalmeida/theacewebcrm-sub005/utils"
)

// Pinger 是可以檢查連線的持久層，MongoStore 即為實作
type Pinger interface {
	Ping(ctx context.Context) error
}

// TransportState 回報跨節點傳輸的狀態
type TransportState interface {
	State() models.ConnectionState
}

// HealthResponse 是 /health 的回應
type HealthResponse struct {
	Status    string                 `json:"status"` // ok, degraded, unavailable
	Store     string                 `json:"store"`
	Transport models.ConnectionState `json:"transport"`
	Sessions  int                    `json:"sessions"`
}

// HealthHandler 檢查持久層與即時傳輸。持久層無法連線時回傳 503；
// 傳輸重新連線中只標示為 degraded，訊息仍會寫入並由資料庫變更補送。
// store 不支援 Ping 時（記憶體模式）視為正常。
func HealthHandler(store any, transport TransportState, sessions func() int) http.HandlerFunc {
	pinger, _ := store.(Pinger)
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok", Store: "ok", Transport: transport.State()}
		if sessions != nil {
			resp.Sessions = sessions()
		}

		if pinger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := pinger.Ping(ctx); err != nil {
				l := logging.Ctx(r.Context())
				l.Warn().Err(err).Msg("health check: store unreachable")
				resp.Status, resp.Store = "unavailable", "unreachable"
				utils.WriteJSON(w, http.StatusServiceUnavailable, resp)
				return
			}
		}
		if resp.Transport != models.StateHealthy {
			resp.Status = "degraded"
		}
		utils.WriteJSON(w, http.StatusOK, resp)
	}
}
