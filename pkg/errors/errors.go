// Package errors 提供统一错误辅助，不依赖 internal
package errors

import (
	"errors"
	"fmt"
)

// 哨兵错误：HTTP 层据此映射状态码（NotFound→404、InvalidArg/InvalidPlaybook→400、Conflict→409）
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArg      = errors.New("invalid argument")
	ErrInvalidPlaybook = errors.New("invalid playbook")
	ErrMissingPath     = errors.New("playbook missing metadata.path")
	ErrConflict        = errors.New("already exists")
)

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is 转发 errors.Is，调用方无需再导入标准库 errors
func Is(err, target error) bool {
	return errors.Is(err, target)
}
