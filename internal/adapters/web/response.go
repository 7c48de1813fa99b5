package web

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/ekintkara/njback/internal/infra/apperrors"
	"github.com/ekintkara/njback/internal/infra/logger"
)

// apiResponse — конверт успешного ответа ops-API.
type apiResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

// apiError — конверт ошибки ops-API.
type apiError struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode"`
}

// writeResponse записывает ответ в ResponseWriter с автоматическим логированием ошибок.
// Автоматически определяет место вызова для отладки.
func writeResponse(w http.ResponseWriter, data []byte) {
	var writeErr error

	if _, writeErr = w.Write(data); writeErr == nil {
		return
	}

	// Получаем информацию о вызывающей функции
	callerLocation := "unknown"
	if _, file, line, ok := runtime.Caller(1); ok {
		if wd, getwdErr := os.Getwd(); getwdErr == nil {
			if rel, relErr := filepath.Rel(wd, file); relErr == nil {
				file = rel
			}
		}
		callerLocation = file + ":" + strconv.Itoa(line)
	}

	logger.Error("failed to write response",
		zap.String("caller", callerLocation),
		zap.Error(writeErr))
}

// writeJSON сериализует payload и отдаёт его с нужным статусом.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to encode api response", zap.Error(err))
		http.Error(w, `{"success":false,"message":"encoding failure","errorCode":"INTERNAL_ERROR"}`,
			http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	writeResponse(w, body)
}

// respondData отдаёт успешный конверт с данными.
func respondData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: data})
}

// respondError отдаёт конверт ошибки с заданным статусом и кодом.
func respondError(w http.ResponseWriter, status int, message string, code apperrors.Code) {
	writeJSON(w, status, apiError{Message: message, ErrorCode: string(code)})
}

// respondFailure отображает доменную ошибку в конверт: код и человекочитаемое
// сообщение берутся из apperrors, посторонние ошибки не просачиваются наружу.
func respondFailure(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	message := "internal server error"
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	respondError(w, apperrors.HTTPStatus(code), message, code)
}
