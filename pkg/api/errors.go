package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// 错误代码常量
const (
	ErrCodeInternalServerError = http.StatusInternalServerError // 服务器内部错误
	ErrCodeBadRequest          = http.StatusBadRequest          // 请求参数错误
	ErrCodeNotFound            = http.StatusNotFound            // 资源不存在
	ErrCodeUnavailable         = http.StatusServiceUnavailable  // 功能未启用
	ErrCodeConflict            = http.StatusConflict            // 任务已在运行

	// 规则相关错误
	ErrCodeRuleNotFound       = http.StatusNotFound   // 规则不存在
	ErrCodeRuleValidationFail = http.StatusBadRequest // 规则验证失败
)

// DebugMode 为 true 时错误响应附带原始错误信息
var DebugMode = false

// APIError 接口错误，携带返回给调用方的状态码
type APIError struct {
	Code    int    // HTTP 状态码
	Message string // 错误消息
	Err     error  // 原始错误
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

func NewAPIError(code int, message string, err error) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func NewBadRequestError(message string, err error) *APIError {
	return NewAPIError(ErrCodeBadRequest, message, err)
}

// NewRuleNotFoundError 创建规则不存在错误
func NewRuleNotFoundError(ruleID string) *APIError {
	return &APIError{
		Code:    ErrCodeRuleNotFound,
		Message: fmt.Sprintf("规则 %s 不存在", ruleID),
	}
}

// NewRuleValidationError 创建规则验证失败错误
func NewRuleValidationError(err error) *APIError {
	return NewAPIError(ErrCodeRuleValidationFail, "规则验证失败", err)
}

func NewUnavailableError(feature string) *APIError {
	return &APIError{
		Code:    ErrCodeUnavailable,
		Message: fmt.Sprintf("%s 未启用", feature),
	}
}

func NewConflictError(message string) *APIError {
	return &APIError{
		Code:    ErrCodeConflict,
		Message: message,
	}
}

func NewInternalServerError(err error) *APIError {
	return NewAPIError(ErrCodeInternalServerError, "服务器内部错误", err)
}

// HandleError 统一错误处理函数
func HandleError(c echo.Context, err error) error {
	logrus.WithFields(logrus.Fields{
		"error":  err.Error(),
		"path":   c.Request().URL.Path,
		"method": c.Request().Method,
	}).Error("API error")

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		resp := Response{
			Code:    apiErr.Code,
			Message: apiErr.Message,
		}
		if apiErr.Err != nil && DebugMode {
			resp.Data = map[string]string{
				"error_detail": apiErr.Err.Error(),
			}
		}
		return c.JSON(apiErr.Code, resp)
	}

	return c.JSON(http.StatusInternalServerError, Response{
		Code:    http.StatusInternalServerError,
		Message: "服务器内部错误",
	})
}
