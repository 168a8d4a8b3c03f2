package models

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Стабильные коды ошибок, по которым ветвится клиент.
const (
	CodeValidation           = "VALIDATION_ERROR"
	CodeAuthorization        = "AUTHORIZATION_ERROR"
	CodeNotFound             = "NOT_FOUND_OR_UNAUTHORIZED"
	CodeInvalidReference     = "INVALID_REFERENCE"
	CodeInvalidState         = "INVALID_STATE"
	CodeVersionConflict      = "VERSION_CONFLICT"
	CodeNotYetOpen           = "NOT_YET_OPEN"
	CodeCapacityExceeded     = "CAPACITY_EXCEEDED"
	CodeIncompleteAllocation = "INCOMPLETE_ALLOCATION"
	CodeDecryption           = "DECRYPTION_ERROR"
	CodeDatabase             = "DATABASE_ERROR"
)

// ErrorResponse описывает ошибку с кодом и сообщением.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"reason"`
	Details    any    `json:"details,omitempty"`
	Err        error  `json:"-"`
}

// CodedError - ошибка, которую можно отдать клиенту со стабильным кодом.
type CodedError interface {
	error
	Response() *ErrorResponse
}

// NewErrorResponse создает новую ошибку с кодом и сообщением.
func NewErrorResponse(statusCode int, code, message string) *ErrorResponse {
	return &ErrorResponse{
		StatusCode: statusCode,
		Code:       code,
		Message:    message}
}

// Реализация метода Error() для удовлетворения интерфейса error.
func (e *ErrorResponse) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ErrorResponse) Unwrap() error {
	return e.Err
}

// Response возвращает саму ошибку.
func (e *ErrorResponse) Response() *ErrorResponse {
	return e
}

// NewValidationError - некорректные входные данные.
func NewValidationError(format string, args ...any) *ErrorResponse {
	return NewErrorResponse(http.StatusBadRequest, CodeValidation, fmt.Sprintf(format, args...))
}

// NewAuthorizationError - у вызывающего нет прав на тендер или предложение.
func NewAuthorizationError(message string) *ErrorResponse {
	return NewErrorResponse(http.StatusForbidden, CodeAuthorization, message)
}

// NewNotFoundOrUnauthorizedError - объект не найден или недоступен вызывающему.
func NewNotFoundOrUnauthorizedError(entity, id string) *ErrorResponse {
	return NewErrorResponse(http.StatusNotFound, CodeNotFound, fmt.Sprintf("%s %s not found or access denied", entity, id))
}

// NewInvalidReferenceError - ссылка на объект, не принадлежащий тендеру.
func NewInvalidReferenceError(format string, args ...any) *ErrorResponse {
	return NewErrorResponse(http.StatusBadRequest, CodeInvalidReference, fmt.Sprintf(format, args...))
}

// NewInvalidStateError - операция недопустима в текущем состоянии.
func NewInvalidStateError(format string, args ...any) *ErrorResponse {
	return NewErrorResponse(http.StatusConflict, CodeInvalidState, fmt.Sprintf(format, args...))
}

// NewVersionConflictError - запись изменена параллельно.
func NewVersionConflictError(entity string, expected, current int) *ErrorResponse {
	e := NewErrorResponse(http.StatusConflict, CodeVersionConflict,
		fmt.Sprintf("%s was modified concurrently: expected version %d, current %d", entity, expected, current))
	e.Details = map[string]int{"expectedVersion": expected, "currentVersion": current}
	return e
}

// NewDatabaseError оборачивает инфраструктурную ошибку хранилища.
func NewDatabaseError(op string, err error) *ErrorResponse {
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.Response()
	}
	return &ErrorResponse{
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabase,
		Message:    fmt.Sprintf("database error during %s", op),
		Err:        err,
	}
}

// NotYetOpenError - попытка вскрытия до назначенной даты.
type NotYetOpenError struct {
	OpeningDate time.Time
	Remaining   time.Duration
}

func (e *NotYetOpenError) Error() string {
	return fmt.Sprintf("offers cannot be opened before %s (remaining %s)",
		e.OpeningDate.UTC().Format(time.RFC3339), e.Remaining.Round(time.Second))
}

func (e *NotYetOpenError) Response() *ErrorResponse {
	r := NewErrorResponse(http.StatusLocked, CodeNotYetOpen, e.Error())
	r.Details = map[string]any{
		"openingDate":      e.OpeningDate,
		"remainingSeconds": int64(e.Remaining.Seconds()),
	}
	return r
}

// CapacityExceededError - распределение превышает количество по позиции.
type CapacityExceededError struct {
	LineItemID string
	Requested  float64
	Available  float64
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("distribution for line item %s requests %g, only %g available",
		e.LineItemID, e.Requested, e.Available)
}

func (e *CapacityExceededError) Response() *ErrorResponse {
	r := NewErrorResponse(http.StatusUnprocessableEntity, CodeCapacityExceeded, e.Error())
	r.Details = map[string]any{"lineItemId": e.LineItemID, "requested": e.Requested, "available": e.Available}
	return r
}

// IncompleteAllocationError - завершение при нераспределённых позициях.
type IncompleteAllocationError struct {
	LineItemIDs []string
}

func (e *IncompleteAllocationError) Error() string {
	return "line items still pending allocation: " + strings.Join(e.LineItemIDs, ", ")
}

func (e *IncompleteAllocationError) Response() *ErrorResponse {
	r := NewErrorResponse(http.StatusConflict, CodeIncompleteAllocation, e.Error())
	r.Details = map[string]any{"lineItemIds": e.LineItemIDs}
	return r
}

// DecryptionError - шифротекст повреждён или не соответствует ключу.
type DecryptionError struct {
	KeyID  string
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	msg := "decryption failed: " + e.Reason
	if e.KeyID != "" {
		msg += " (key " + e.KeyID + ")"
	}
	return msg
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

func (e *DecryptionError) Response() *ErrorResponse {
	r := NewErrorResponse(http.StatusInternalServerError, CodeDecryption, "sealed data could not be decrypted")
	r.Err = e
	return r
}

// AsResponse приводит любую ошибку к ответу с кодом.
func AsResponse(err error) *ErrorResponse {
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.Response()
	}
	return &ErrorResponse{
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabase,
		Message:    "internal server error",
		Err:        err,
	}
}
