package models

import "errors"

// 呼叫端以 errors.Is 判斷錯誤類別
var (
	ErrValidation        = errors.New("validation error")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrNotFound          = errors.New("not found")
	ErrPersistence       = errors.New("persistence error")
	ErrTransportDegraded = errors.New("transport degraded")
)

// ErrorResponse 結構體用於返回 JSON 格式的錯誤訊息
type ErrorResponse struct {
	Message string `json:"message"`
}
