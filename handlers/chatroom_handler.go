package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/rhyanalmeida/theacewebcrm-sub005/logging"
	"github.com/rhyanalmeida/theacewebcrm-sub005/models"
	"github.com/rhyanalmeida/theacewebcrm-sub005/relay"
	"github.com/rhyanalmeida/theacewebcrm-sub005/storage"
	"github.com/rhyanalmeida/theacewebcrm-sub005/utils"
)

// MaxUploadSize 是單一檔案上傳的上限
const MaxUploadSize = 10 << 20

// CreateProjectRoomRequest 定義建立專案聊天室的請求體
type CreateProjectRoomRequest struct {
	ProjectRef     string   `json:"projectRef"`
	Name           string   `json:"name"`
	ParticipantIDs []string `json:"participantIds"` // 建立者會自動加入
}

// OpenDirectRoomRequest 定義一對一聊天室的請求體
type OpenDirectRoomRequest struct {
	ParticipantID string `json:"participantId"`
}

// AddParticipantsRequest 定義邀請參與者的請求體
type AddParticipantsRequest struct {
	NewParticipantIDs []string `json:"newParticipantIds"`
}

// SendMessageRequest 定義文字訊息的請求體
type SendMessageRequest struct {
	Text string `json:"text"`
}

// TypingRequest 定義輸入中訊號的請求體
type TypingRequest struct {
	Active bool `json:"active"`
}

// FileMessageResponse 回傳檔案訊息與暫時的下載網址
type FileMessageResponse struct {
	Message *models.Message `json:"message"`
	URL     string          `json:"url,omitempty"`
}

// FileUploader 把上傳的檔案存到物件儲存
type FileUploader interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
}

// RoomHandler 處理聊天室與訊息的 HTTP 請求
type RoomHandler struct {
	router *relay.Router
	files  FileUploader
}

// NewRoomHandler 建立 RoomHandler；files 為 nil 時不支援檔案上傳
func NewRoomHandler(router *relay.Router, files FileUploader) *RoomHandler {
	return &RoomHandler{router: router, files: files}
}

// RegisterRoutes 註冊路由；r 應已套用 JWT 驗證
func (h *RoomHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/rooms", h.GetUserChatRooms).Methods("GET")
	r.HandleFunc("/rooms/project", h.CreateProjectRoom).Methods("POST")
	r.HandleFunc("/rooms/direct", h.OpenDirectRoom).Methods("POST")
	r.HandleFunc("/rooms/{id}/participants", h.AddParticipants).Methods("PUT")
	r.HandleFunc("/rooms/{id}/participants/me", h.LeaveChatRoom).Methods("DELETE")
	r.HandleFunc("/rooms/{id}/messages", h.GetChatHistory).Methods("GET")
	r.HandleFunc("/rooms/{id}/messages", h.SendMessage).Methods("POST")
	r.HandleFunc("/rooms/{id}/files", h.UploadFile).Methods("POST")
	r.HandleFunc("/rooms/{id}/files/url", h.GetFileURL).Methods("GET")
	r.HandleFunc("/rooms/{id}/typing", h.SetTyping).Methods("POST")
}

// GetUserChatRooms 處理獲取使用者所有聊天室的請求
func (h *RoomHandler) GetUserChatRooms(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	rooms, err := h.router.ListRooms(r.Context(), identity)
	if err != nil {
		sendError(w, r, err)
		return
	}
	if rooms == nil {
		rooms = []models.ChatRoom{}
	}
	utils.WriteJSON(w, http.StatusOK, rooms)
}

// CreateProjectRoom 建立專案聊天室，在線的參與者會收到通知
func (h *RoomHandler) CreateProjectRoom(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req CreateProjectRoomRequest
	if !decodeBody(w, r, &req) {
		return
	}

	participants := append([]string{identity}, req.ParticipantIDs...)
	room, err := h.router.CreateProjectRoom(r.Context(), req.ProjectRef, req.Name, participants)
	if err != nil {
		sendError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, room)
}

// OpenDirectRoom 找出或建立與另一位使用者的一對一聊天室
func (h *RoomHandler) OpenDirectRoom(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req OpenDirectRoomRequest
	if !decodeBody(w, r, &req) {
		return
	}

	room, err := h.router.OpenDirectRoom(r.Context(), identity, req.ParticipantID)
	if err != nil {
		sendError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, room)
}

// AddParticipants 處理將新使用者加入聊天室的請求
func (h *RoomHandler) AddParticipants(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	roomID, ok := roomIDFromPath(w, r)
	if !ok {
		return
	}
	var req AddParticipantsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	room, err := h.router.AddParticipants(r.Context(), roomID, identity, req.NewParticipantIDs)
	if err != nil {
		sendError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, room)
}

// LeaveChatRoom 處理使用者退出聊天室的請求
func (h *RoomHandler) LeaveChatRoom(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	roomID, ok := roomIDFromPath(w, r)
	if !ok {
		return
	}

	if _, err := h.router.RemoveParticipant(r.Context(), roomID, identity, identity); err != nil {
		sendError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GetChatHistory 回傳聊天室最近的訊息，由舊到新
func (h *RoomHandler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	roomID, ok := roomIDFromPath(w, r)
	if !ok {
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			utils.SendJSONError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	messages, err := h.router.ListMessages(r.Context(), roomID, identity, limit)
	if err != nil {
		sendError(w, r, err)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	utils.WriteJSON(w, http.StatusOK, map[string][]models.Message{"messages": messages})
}

// SendMessage 寫入文字訊息後廣播
func (h *RoomHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	roomID, ok := roomIDFromPath(w, r)
	if !ok {
		return
	}
	var req SendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	msg, err := h.router.SendMessage(r.Context(), roomID, identity, models.TextBody(req.Text))
	if err != nil {
		sendError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, msg)
}

// UploadFile 上傳檔案到物件儲存，並送出一則檔案訊息
func (h *RoomHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	roomID, ok := roomIDFromPath(w, r)
	if !ok {
		return
	}
	if h.files == nil {
		utils.SendJSONError(w, "File storage is not configured", http.StatusNotImplemented)
		return
	}

	// 先確認權限，避免非參與者把檔案寫進儲存空間
	if _, err := h.router.Authorize(r.Context(), roomID, identity); err != nil {
		sendError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		utils.SendJSONError(w, "Invalid multipart upload", http.StatusBadRequest)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := storage.FileKey(roomID, header.Filename)
	if err := h.files.Upload(r.Context(), key, file, header.Size, contentType); err != nil {
		sendError(w, r, fmt.Errorf("%w: %w", models.ErrPersistence, err))
		return
	}

	// 訊息寫入失敗時物件會留在儲存空間，由 bucket 的生命週期規則清除
	msg, err := h.router.SendMessage(r.Context(), roomID, identity, models.FileBody(key, header.Filename, contentType, header.Size))
	if err != nil {
		sendError(w, r, err)
		return
	}

	resp := FileMessageResponse{Message: msg}
	if url, err := h.router.ResolveFileURL(r.Context(), identity, msg); err == nil {
		resp.URL = url
	}
	utils.WriteJSON(w, http.StatusCreated, resp)
}

// GetFileURL 為聊天室中的檔案產生暫時的下載網址
func (h *RoomHandler) GetFileURL(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	roomID, ok := roomIDFromPath(w, r)
	if !ok {
		return
	}

	path := r.URL.Query().Get("path")
	// 只能取用這個聊天室底下的物件
	if !strings.HasPrefix(path, "rooms/"+roomID.Hex()+"/") || strings.Contains(path, "..") {
		utils.SendJSONError(w, "Invalid file path", http.StatusBadRequest)
		return
	}

	msg := &models.Message{RoomID: roomID, Body: models.FileBody(path, "", "", 0)}
	url, err := h.router.ResolveFileURL(r.Context(), identity, msg)
	if err != nil {
		sendError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"url": url})
}

// SetTyping 廣播輸入中訊號
func (h *RoomHandler) SetTyping(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	roomID, ok := roomIDFromPath(w, r)
	if !ok {
		return
	}
	var req TypingRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.router.SetTyping(r.Context(), roomID, identity, req.Active); err != nil {
		sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func requireIdentity(w http.ResponseWriter, r *http.Request) (string, bool) {
	identity, err := utils.GetIdentityFromContext(r.Context())
	if err != nil {
		utils.SendJSONError(w, "Unauthorized: identity not found in context", http.StatusUnauthorized)
		return "", false
	}
	return identity, true
}

func roomIDFromPath(w http.ResponseWriter, r *http.Request) (primitive.ObjectID, bool) {
	roomIDStr := mux.Vars(r)["id"]
	if roomIDStr == "" {
		utils.SendJSONError(w, "Room ID is required", http.StatusBadRequest)
		return primitive.NilObjectID, false
	}
	roomID, err := primitive.ObjectIDFromHex(roomIDStr)
	if err != nil {
		utils.SendJSONError(w, "Invalid room ID format", http.StatusBadRequest)
		return primitive.NilObjectID, false
	}
	return roomID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// sendError 記錄伺服器端錯誤後回應
func sendError(w http.ResponseWriter, r *http.Request, err error) {
	if utils.StatusForError(err) >= http.StatusInternalServerError {
		l := logging.Ctx(r.Context())
		l.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	utils.SendError(w, err)
}

