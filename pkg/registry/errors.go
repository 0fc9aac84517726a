package registry

import (
	"errors"
	"fmt"
	"strconv"
)

func toBootError(err error) *BootError {
	var be *BootError
	if errors.As(err, &be) {
		return be
	}
	if errors.Is(err, ErrAppNotFound) {
		return &BootError{Code: "APP_NOT_FOUND", Message: err.Error(), Err: err}
	}
	var c Coded
	if errors.As(err, &c) {
		return &BootError{Code: c.Code(), Message: c.Error(), Err: err}
	}
	return &BootError{Code: "APP_ERROR", Message: err.Error(), Err: err}
}

func panicMessage(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(v)
}

func uintString(n uint64) string { return strconv.FormatUint(n, 10) }
