// Package apperrors — таксономия доменных ошибок со стабильными кодами.
// Коды попадают в журнал проваленных сообщений, в ответы ops-API и в логи,
// поэтому строковые значения менять нельзя. Ошибка оборачивает причину и
// совместима с errors.Is/As через Unwrap.
package apperrors

import (
	"net/http"

	"github.com/go-faster/errors"
)

// Code — стабильный машиночитаемый код ошибки.
type Code string

// Коды ошибок пайплайна. Сгруппированы по виду: валидация, отсутствие
// сущности, конфликт, авторизация, инфраструктура.
const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeInvalidMessageID  Code = "INVALID_AUTO_MESSAGE_ID"
	CodeInvalidSenderID   Code = "INVALID_SENDER_ID"
	CodeInvalidReceiverID Code = "INVALID_RECEIVER_ID"
	CodeSelfMessage       Code = "SELF_MESSAGE_NOT_ALLOWED"
	CodeContentRequired   Code = "CONTENT_REQUIRED"
	CodeContentTooLong    Code = "CONTENT_TOO_LONG"
	CodeBadEnvelopeType   Code = "UNSUPPORTED_ENVELOPE_TYPE"
	CodeSenderInactive    Code = "SENDER_INACTIVE"
	CodeReceiverInactive  Code = "RECEIVER_INACTIVE"

	CodeSenderNotFound   Code = "SENDER_NOT_FOUND"
	CodeReceiverNotFound Code = "RECEIVER_NOT_FOUND"
	CodeMessageNotFound  Code = "AUTO_MESSAGE_NOT_FOUND"
	CodeNotFound         Code = "NOT_FOUND"

	CodeConflict    Code = "CONFLICT"
	CodeForbidden   Code = "FORBIDDEN"
	CodeRateLimited Code = "RATE_LIMITED"

	CodeUserRetrieval      Code = "USER_RETRIEVAL_FAILED"
	CodeMessagePlanSave    Code = "AUTO_MESSAGE_SAVE_FAILED"
	CodeQueueConnection    Code = "QUEUE_CONNECTION_ERROR"
	CodeQueueProcessing    Code = "QUEUE_PROCESSING_ERROR"
	CodeConversationCreate Code = "CONVERSATION_CREATE_FAILED"
	CodeMessageSave        Code = "MESSAGE_SAVE_FAILED"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// Kind — укрупнённый вид ошибки; определяет HTTP-статус и политику ретраев.
type Kind int

const (
	KindInfrastructure Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindAuthorization
)

// Error — доменная ошибка со стабильным кодом и опциональной причиной.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error возвращает человекочитаемое описание; причина дописывается через двоеточие.
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap отдаёт причину для errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// E создаёт ошибку с кодом без причины.
func E(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap оборачивает причину в доменную ошибку с кодом.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf извлекает код из цепочки ошибок. Для посторонних ошибок возвращает
// CodeInternal, для nil — пустой код.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// KindOf классифицирует код в укрупнённый вид.
func KindOf(code Code) Kind {
	switch code {
	case CodeValidation, CodeInvalidMessageID, CodeInvalidSenderID, CodeInvalidReceiverID,
		CodeSelfMessage, CodeContentRequired, CodeContentTooLong, CodeBadEnvelopeType,
		CodeSenderInactive, CodeReceiverInactive, CodeRateLimited:
		return KindValidation
	case CodeSenderNotFound, CodeReceiverNotFound, CodeMessageNotFound, CodeNotFound:
		return KindNotFound
	case CodeConflict:
		return KindConflict
	case CodeForbidden:
		return KindAuthorization
	default:
		return KindInfrastructure
	}
}

// HTTPStatus отображает код на HTTP-статус для ops-API.
func HTTPStatus(code Code) int {
	if code == CodeRateLimited {
		return http.StatusTooManyRequests
	}
	switch KindOf(code) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindAuthorization:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
