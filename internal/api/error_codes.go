// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest        = "BAD_REQUEST"
	ErrorNotFound          = "NOT_FOUND"
	ErrorInternalError     = "INTERNAL_ERROR"
	ErrorRateLimitExceeded = "RATE_LIMIT_EXCEEDED"

	// 故事与会话
	ErrorGenerationFailed  = "GENERATION_FAILED"
	ErrorMalformedReply    = "MALFORMED_GENERATION_REPLY"
	ErrorGenerationTimeout = "GENERATION_TIMEOUT"
	ErrorInvalidSelection  = "INVALID_SELECTION"
	ErrorInvalidConfig     = "INVALID_CONFIGURATION"
	ErrorSessionNotFound   = "SESSION_NOT_FOUND"
	ErrorSessionConcluded  = "SESSION_ALREADY_CONCLUDED"
)
