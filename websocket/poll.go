package websocket

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/rhyanalmeida/theacewebcrm-sub005/utils"
)

// PollResponse 是 long-poll 的回應
type PollResponse struct {
	Frames []Frame `json:"frames"`
}

// HandleOpenSession 為無法使用 WebSocket 的客戶端建立 Session，回傳 hello 封包
func (g *Gateway) HandleOpenSession(w http.ResponseWriter, r *http.Request) {
	identity, err := utils.GetIdentityFromContext(r.Context())
	if err != nil {
		utils.SendJSONError(w, "Unauthorized: identity not found in context", http.StatusUnauthorized)
		return
	}

	a, reused := g.attach(identity)
	// 沒有讀取者時從現在開始寬限計時
	if g.acquire(a) {
		g.release(a)
	}
	utils.WriteJSON(w, http.StatusOK, Frame{Type: FrameHello, SessionID: a.id, Resumed: reused})
}

// HandlePoll 等待 Outbox 有封包或逾時；逾時回傳空陣列
func (g *Gateway) HandlePoll(w http.ResponseWriter, r *http.Request) {
	a, ok := g.sessionFromRequest(w, r, r.URL.Query().Get("session"))
	if !ok {
		return
	}
	if !g.acquire(a) {
		utils.SendJSONError(w, "Session expired", http.StatusGone)
		return
	}
	defer g.release(a)

	timer := time.NewTimer(g.opts.PollWait)
	defer timer.Stop()

	for {
		if frames := a.outbox.Drain(); len(frames) > 0 {
			utils.WriteJSON(w, http.StatusOK, PollResponse{Frames: frames})
			return
		}
		select {
		case <-a.outbox.Ready():
		case <-a.outbox.Done():
			utils.SendJSONError(w, "Session expired", http.StatusGone)
			return
		case <-timer.C:
			utils.WriteJSON(w, http.StatusOK, PollResponse{Frames: []Frame{}})
			return
		case <-r.Context().Done():
			return
		}
	}
}

// HandleSubscribe 讓 long-poll 的 Session 開始檢視聊天室
func (g *Gateway) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	a, ok := g.sessionFromRequest(w, r, vars["sid"])
	if !ok {
		return
	}
	roomID, err := primitive.ObjectIDFromHex(vars["id"])
	if err != nil {
		utils.SendJSONError(w, "Invalid room ID format", http.StatusBadRequest)
		return
	}

	if err := g.subscribe(r.Context(), a, roomID); err != nil {
		utils.SendError(w, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, Frame{Type: FrameAck, RoomID: roomID.Hex()})
}

// HandleUnsubscribe 停止檢視聊天室；沒有訂閱時也回傳成功
func (g *Gateway) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	a, ok := g.sessionFromRequest(w, r, vars["sid"])
	if !ok {
		return
	}
	roomID, err := primitive.ObjectIDFromHex(vars["id"])
	if err != nil {
		utils.SendJSONError(w, "Invalid room ID format", http.StatusBadRequest)
		return
	}

	g.unsubscribe(a, roomID)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) sessionFromRequest(w http.ResponseWriter, r *http.Request, sessionID string) (*attachment, bool) {
	identity, err := utils.GetIdentityFromContext(r.Context())
	if err != nil {
		utils.SendJSONError(w, "Unauthorized: identity not found in context", http.StatusUnauthorized)
		return nil, false
	}
	if sessionID == "" {
		utils.SendJSONError(w, "Session ID is required", http.StatusBadRequest)
		return nil, false
	}

	a, err := g.lookup(sessionID, identity)
	if errors.Is(err, ErrUnknownSession) {
		utils.SendJSONError(w, "Session not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		utils.SendError(w, err)
		return nil, false
	}
	return a, true
}

// RegisterRoutes 註冊 socket 與 long-poll 的路由；r 應已套用 JWT 驗證
func (g *Gateway) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws", g.HandleConnections).Methods("GET")
	r.HandleFunc("/sessions", g.HandleOpenSession).Methods("POST")
	r.HandleFunc("/poll", g.HandlePoll).Methods("GET")
	r.HandleFunc("/sessions/{sid}/rooms/{id}", g.HandleSubscribe).Methods("POST")
	r.HandleFunc("/sessions/{sid}/rooms/{id}", g.HandleUnsubscribe).Methods("DELETE")
}
