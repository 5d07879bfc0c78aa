// Package api provides unified response building utilities for API handlers
// 这个包提供统一的响应构建工具，用于 API 处理器
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shelfcache-project/shelfcache/internal/download"
	"github.com/shelfcache-project/shelfcache/internal/library"
	"github.com/shelfcache-project/shelfcache/internal/monitor"
	"github.com/shelfcache-project/shelfcache/internal/storage"
	"github.com/shelfcache-project/shelfcache/internal/types"
)

// getRequestID gets the request ID from context, returns "unknown" if not set
func getRequestID(c *gin.Context) string {
	if requestID := c.GetString("requestId"); requestID != "" {
		return requestID
	}
	return "unknown"
}

// Success sends a successful API response with data
// 发送成功响应，携带数据
func Success[T any](c *gin.Context, data T) {
	c.JSON(http.StatusOK, types.NewSuccessResponse(data, getRequestID(c)))
}

// Created sends a 201 response with data
func Created[T any](c *gin.Context, data T) {
	c.JSON(http.StatusCreated, types.NewSuccessResponse(data, getRequestID(c)))
}

// Error sends an error API response
// 发送错误响应
func Error(c *gin.Context, code types.ErrorCode, message string) {
	ErrorWithDetails(c, code, message, "")
}

// ErrorWithDetails sends an error API response with details
// 发送带详情的错误响应
func ErrorWithDetails(c *gin.Context, code types.ErrorCode, message, details string) {
	c.JSON(code.HTTPStatusCode(), types.NewErrorResponse(code, message, details, getRequestID(c)))
}

// BadRequest sends a bad request error response
func BadRequest(c *gin.Context, message string) {
	Error(c, types.ErrInvalidRequest, message)
}

// InternalError sends an internal server error response
func InternalError(c *gin.Context, err error) {
	ErrorWithDetails(c, types.ErrInternalError, "Internal server error", err.Error())
}

// Paginated sends a paginated API response
// 发送分页响应
func Paginated[T any](c *gin.Context, data []T, total, limit, offset int) {
	c.JSON(http.StatusOK, types.NewPaginatedResponse(data, total, limit, offset, getRequestID(c)))
}

// CodeFor maps a domain error onto an API error code
func CodeFor(err error) types.ErrorCode {
	var (
		dup     *download.DuplicateTaskError
		libErr  *library.APIError
		infoErr *types.ErrorInfo
	)

	switch {
	case errors.As(err, &infoErr):
		return infoErr.Code
	case errors.Is(err, download.ErrTaskNotFound):
		return types.ErrTaskNotFound
	case errors.Is(err, download.ErrInvalidRequest):
		return types.ErrInvalidRequest
	case errors.As(err, &dup), errors.Is(err, download.ErrItemBusy):
		return types.ErrConflict
	case errors.Is(err, download.ErrManagerClosed):
		return types.ErrServiceUnavailable
	case errors.Is(err, library.ErrItemNotFound), errors.Is(err, storage.ErrRecordNotFound):
		return types.ErrItemNotFound
	case errors.Is(err, library.ErrNoFiles):
		return types.ErrInvalidRequest
	case errors.Is(err, library.ErrNotConfigured):
		return types.ErrServiceUnavailable
	case errors.Is(err, library.ErrUnauthorized), errors.As(err, &libErr):
		return types.ErrLibraryUnavailable
	case errors.Is(err, monitor.ErrInsufficientSpace):
		return types.ErrInsufficientSpace
	case errors.Is(err, context.DeadlineExceeded):
		return types.ErrTimeout
	default:
		return types.ErrInternalError
	}
}

// FromError sends the error response matching err
func FromError(c *gin.Context, err error) {
	code := CodeFor(err)
	if code == types.ErrInternalError {
		InternalError(c, err)
		return
	}
	Error(c, code, err.Error())
}
