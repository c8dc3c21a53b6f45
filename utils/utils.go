package utils

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rhyanalmeida/theacewebcrm-sub005/logging"
	"github.com/rhyanalmeida/theacewebcrm-sub005/models"
)

// IdentityKey 是儲存在 context 中的使用者身分的鍵
type contextKey string

const IdentityKey contextKey = "identity"

// WithIdentity 把使用者身分放入 context
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// GetIdentityFromContext 從 context 中提取使用者身分
func GetIdentityFromContext(ctx context.Context) (string, error) {
	identity, ok := ctx.Value(IdentityKey).(string)
	if !ok || identity == "" {
		return "", errors.New("identity not found in context")
	}
	return identity, nil
}

// GetIdentityFromToken 從 JWT token 中提取使用者身分；優先使用 sub，其次 userId
func GetIdentityFromToken(tokenString string, jwtSecret string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(jwtSecret), nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token claims")
	}

	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub, nil
	}
	if userID, ok := claims["userId"].(string); ok && userID != "" {
		return userID, nil
	}
	return "", errors.New("identity not found in token claims")
}

// GenerateJWT 為使用者生成 JWT Token（本機開發與測試用）
func GenerateJWT(identity string, secret string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": identity,
		"exp": now.Add(ttl).Unix(),
		"iat": now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", errors.New("failed to sign token")
	}
	return tokenString, nil
}

// StatusForError 把錯誤類別對應到 HTTP 狀態碼
func StatusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrTransportDegraded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON 統一發送 JSON 響應
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l := logging.L()
		l.Warn().Err(err).Msg("failed to write response")
	}
}

// SendJSONError 統一發送 JSON 格式錯誤響應
func SendJSONError(w http.ResponseWriter, message string, statusCode int) {
	WriteJSON(w, statusCode, models.ErrorResponse{Message: message})
}

// SendError 依錯誤類別回應；500 不對外暴露內部細節
func SendError(w http.ResponseWriter, err error) {
	status := StatusForError(err)
	if status == http.StatusInternalServerError {
		SendJSONError(w, "Internal server error", status)
		return
	}
	SendJSONError(w, err.Error(), status)
}
