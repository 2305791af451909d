// Package apperr 仓储、服务与任务处理器共用的错误分类
package apperr

import (
	"errors"
	"fmt"
)

// Code 错误分类码
type Code string

const (
	CodeNotFound   Code = "NOT_FOUND"
	CodeValidation Code = "VALIDATION_ERROR"
	// CodeTransient 缓存或队列后端不可用
	CodeTransient Code = "TRANSIENT_INFRA_ERROR"
	// CodeStore 关系库读写失败
	CodeStore      Code = "STORE_ERROR"
	CodeProcessing Code = "PROCESSING_ERROR"
)

// Error 带分类码与操作名的错误
type Error struct {
	Code Code
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按分类码匹配哨兵错误，errors.Is(err, ErrNotFound) 即可判断
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Op == "" && t.Msg == "" && t.Err == nil
}

var (
	ErrNotFound   = &Error{Code: CodeNotFound}
	ErrValidation = &Error{Code: CodeValidation}
	ErrTransient  = &Error{Code: CodeTransient}
	ErrStore      = &Error{Code: CodeStore}
	ErrProcessing = &Error{Code: CodeProcessing}
)

func NotFound(op, format string, args ...any) error {
	return &Error{Code: CodeNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Validation(op, format string, args ...any) error {
	return &Error{Code: CodeValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Transient(op string, err error) error {
	return &Error{Code: CodeTransient, Op: op, Err: err}
}

func Store(op string, err error) error {
	return &Error{Code: CodeStore, Op: op, Err: err}
}

func Processing(op string, err error) error {
	return &Error{Code: CodeProcessing, Op: op, Err: err}
}

// CodeOf 返回错误链上第一个 *Error 的分类码，没有则为空
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
