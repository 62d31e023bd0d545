// Package providers 汇集各协议族的后端适配器公共部分。
package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kodonghui/CORTHEX-HQ-sub001/types"
)

// Config 适配器通用配置。
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// schemaRejectionHints 400 响应中这些关键词表明后端拒绝的是编译后的
// 工具 Schema——这是 normalizer 的缺陷而非瞬态容量问题，绝不失败转移。
var schemaRejectionHints = []string{
	"schema",
	"additionalproperties",
	"additional_properties",
	"function.parameters",
	"tool_use",
	"functiondeclaration",
	"invalid parameter",
}

// MapHTTPError 把 HTTP 状态码 + 错误消息映射为统一错误分类。
func MapHTTPError(status int, msg, backend string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return types.NewError(types.ErrBackendExhausted, fmt.Sprintf("backend rate limited: %s", msg)).
			WithBackend(backend)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return types.NewError(types.ErrUnauthorized, msg).WithBackend(backend)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return types.NewError(types.ErrUpstreamTimeout, msg).WithBackend(backend).WithRetryable(true)
	case status >= 500:
		return types.NewError(types.ErrUpstreamError, fmt.Sprintf("upstream %d: %s", status, msg)).
			WithBackend(backend).WithRetryable(true)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		lower := strings.ToLower(msg)
		for _, hint := range schemaRejectionHints {
			if strings.Contains(lower, hint) {
				return types.NewError(types.ErrBackendValidation, "backend rejected tool schema").
					WithBackend(backend).WithContext(msg)
			}
		}
		return types.NewError(types.ErrInvalidRequest, msg).WithBackend(backend)
	default:
		return types.NewError(types.ErrUpstreamError, fmt.Sprintf("unexpected status %d: %s", status, msg)).
			WithBackend(backend)
	}
}

// MapTransportError 把传输层错误映射为统一错误分类。
func MapTransportError(err error, backend string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrUpstreamTimeout, "backend call timed out").
			WithBackend(backend).WithRetryable(true).WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return types.NewError(types.ErrTaskCancelled, "backend call cancelled").
			WithBackend(backend).WithCause(err)
	}
	return types.NewError(types.ErrUpstreamError, "backend transport failure").
		WithBackend(backend).WithRetryable(true).WithCause(err)
}

// ReadBody 读取响应体用于错误消息，限制大小避免日志爆炸。
func ReadBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 8<<10))
	if err != nil {
		return ""
	}
	return string(data)
}
