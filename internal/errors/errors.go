// internal/errors/errors.go
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// 通用错误类型
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeError      ErrorType = "processing_error"
	ErrorTypeTimeout    ErrorType = "timeout"

	// 故事引擎错误类型
	ErrorTypeGenerationFailure    ErrorType = "generation_failure"
	ErrorTypeMalformedReply       ErrorType = "malformed_reply"
	ErrorTypeInvalidSelection     ErrorType = "invalid_selection"
	ErrorTypeInvalidConfiguration ErrorType = "invalid_configuration"
	ErrorTypeSessionNotFound      ErrorType = "session_not_found"
	ErrorTypeSessionConcluded     ErrorType = "session_concluded"
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // 用户友好的错误代码
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus 返回错误类型对应的HTTP状态码
func (e *AppError) HTTPStatus() int {
	switch e.Type {
	case ErrorTypeValidation, ErrorTypeInvalidSelection, ErrorTypeInvalidConfiguration, ErrorTypeSessionConcluded:
		return http.StatusBadRequest
	case ErrorTypeNotFound, ErrorTypeSessionNotFound:
		return http.StatusNotFound
	case ErrorTypeGenerationFailure, ErrorTypeMalformedReply:
		return http.StatusBadGateway
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewAppError 创建新的 AppError
func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

// NewValidationError 创建验证错误
func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

// NewProcessingError 创建处理错误
func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

// NewGenerationFailure 生成服务不可达或返回错误
func NewGenerationFailure(message string, originalError error) *AppError {
	// 上下文超时单独归类，便于API返回504
	if errors.Is(originalError, context.DeadlineExceeded) {
		return NewAppError(ErrorTypeTimeout, message, originalError)
	}
	return NewAppError(ErrorTypeGenerationFailure, message, originalError)
}

// NewMalformedReply 生成结果不符合约定的结构
func NewMalformedReply(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeMalformedReply, message, originalError)
}

// NewInvalidSelection 选择序号或选项无效
func NewInvalidSelection(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeInvalidSelection, message, originalError)
}

// NewInvalidConfiguration 会话参数无效
func NewInvalidConfiguration(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeInvalidConfiguration, message, originalError)
}

// NewSessionNotFound 会话不存在
func NewSessionNotFound(sessionID string, originalError error) *AppError {
	return NewAppError(ErrorTypeSessionNotFound, fmt.Sprintf("session %s not found", sessionID), originalError)
}

// NewSessionConcluded 会话已结束
func NewSessionConcluded(sessionID string) *AppError {
	return NewAppError(ErrorTypeSessionConcluded, fmt.Sprintf("session %s has already concluded", sessionID), nil)
}

// TypeOf 返回错误链中第一个 AppError 的类型，不存在时返回空字符串
func TypeOf(err error) ErrorType {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type
	}
	return ""
}

// As 取出错误链中的 AppError
func As(err error) (*AppError, bool) {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError, true
	}
	return nil, false
}

func isType(err error, errType ErrorType) bool {
	return err != nil && TypeOf(err) == errType
}

// IsValidationError 检查是否为验证错误
func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

// IsTimeoutError 检查是否为超时错误
func IsTimeoutError(err error) bool {
	return isType(err, ErrorTypeTimeout)
}

func IsGenerationFailure(err error) bool {
	return isType(err, ErrorTypeGenerationFailure)
}

func IsMalformedReply(err error) bool {
	return isType(err, ErrorTypeMalformedReply)
}

func IsInvalidSelection(err error) bool {
	return isType(err, ErrorTypeInvalidSelection)
}

func IsInvalidConfiguration(err error) bool {
	return isType(err, ErrorTypeInvalidConfiguration)
}

func IsSessionNotFound(err error) bool {
	return isType(err, ErrorTypeSessionNotFound)
}

func IsSessionConcluded(err error) bool {
	return isType(err, ErrorTypeSessionConcluded)
}

// generateErrorCode 根据错误类型生成错误代码
func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	case ErrorTypeTimeout:
		return "GENERATION_TIMEOUT"
	case ErrorTypeGenerationFailure:
		return "GENERATION_FAILED"
	case ErrorTypeMalformedReply:
		return "MALFORMED_GENERATION_REPLY"
	case ErrorTypeInvalidSelection:
		return "INVALID_SELECTION"
	case ErrorTypeInvalidConfiguration:
		return "INVALID_CONFIGURATION"
	case ErrorTypeSessionNotFound:
		return "SESSION_NOT_FOUND"
	case ErrorTypeSessionConcluded:
		return "SESSION_ALREADY_CONCLUDED"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError 包装现有错误
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		// 如果已经是 AppError，只更新消息
		return &AppError{
			Type:    appError.Type,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
		}
	}

	return NewAppError(errType, message, err)
}
