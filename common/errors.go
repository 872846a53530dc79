package common

import (
	"context"

	"github.com/pkg/errors"
)

// 查询链路的错误分类，调用方用 errors.Is 判断
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidCursor      = errors.New("invalid cursor")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrIndexCorruption    = errors.New("index corruption")
	ErrNotFound           = errors.New("not found")
)

func InvalidArgument(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}

func InvalidCursor(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidCursor, format, args...)
}

// StorageError marks err as a storage failure. ErrKeyNotFound is passed through.
func StorageError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrKeyNotFound) || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return errors.Wrapf(ErrStorageUnavailable, format+": %v", append(args, err)...)
}

// ErrorCode maps the taxonomy to the codes used by the rpc layer.
func ErrorCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalidArgument):
		return -1
	case errors.Is(err, ErrInvalidCursor):
		return -2
	case errors.Is(err, ErrNotFound):
		return -3
	case errors.Is(err, ErrStorageUnavailable):
		return -4
	case errors.Is(err, ErrIndexCorruption):
		return -5
	}
	return -100
}

// CheckContext 超时视为存储不可用，取消原样返回
func CheckContext(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(ErrStorageUnavailable, "storage timeout")
	}
	return err
}
