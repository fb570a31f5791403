package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/classroll/classroll/internal/backup"
	"github.com/classroll/classroll/internal/config"
	"github.com/classroll/classroll/internal/offline"
	"github.com/classroll/classroll/internal/storage"
)

const (
	ExitCodeSuccess  = 0
	ExitCodeGeneric  = 1
	ExitCodeUsage    = 2
	ExitCodeNotFound = 3
	ExitCodeIO       = 7
	ExitCodeOffline  = 8
)

var errNotFound = errors.New("not found")

type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *ExitError) ExitCode() int {
	if e == nil {
		return ExitCodeGeneric
	}
	return e.Code
}

func asExitError(code int, err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}
	return &ExitError{Code: code, Err: err}
}

func mapCommandError(err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}

	switch {
	case errors.Is(err, errNotFound):
		return asExitError(ExitCodeNotFound, err)
	case errors.Is(err, offline.ErrOffline):
		return asExitError(ExitCodeOffline, err)
	case errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, storage.ErrInvalidConfig),
		errors.Is(err, storage.ErrUnknownTable),
		errors.Is(err, storage.ErrUnknownColumn),
		errors.Is(err, storage.ErrInvalidOp),
		errors.Is(err, storage.ErrUnsupportedQuery),
		errors.Is(err, offline.ErrInvalidAction),
		errors.Is(err, backup.ErrKeyRequired):
		return asExitError(ExitCodeUsage, err)
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) || errors.Is(err, os.ErrNotExist) {
		return asExitError(ExitCodeIO, err)
	}
	return asExitError(ExitCodeGeneric, err)
}

func usageErrorf(format string, args ...any) error {
	return &ExitError{
		Code: ExitCodeUsage,
		Err:  fmt.Errorf(format, args...),
	}
}

func notFoundf(format string, args ...any) error {
	return &ExitError{
		Code: ExitCodeNotFound,
		Err:  fmt.Errorf("%w: %s", errNotFound, fmt.Sprintf(format, args...)),
	}
}
