package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/joeydtaylor/steeze-gateway/pkg/registry"
)

// Stable machine-readable codes returned in error bodies.
const (
	CodeAppNotFound     = "APP_NOT_FOUND"
	CodeAppInitializing = "APP_INITIALIZING"
	CodeAppStopped      = "APP_STOPPED"
	CodeAppError        = "APP_ERROR"
	CodeNotFound        = "NOT_FOUND"
)

// AppError is the body of every structured gateway error.
type AppError struct {
	Status         int    `json:"status"`
	Code           string `json:"code"`
	Message        string `json:"message"`
	Maintaining    bool   `json:"maintaining"`
	AppName        string `json:"appName,omitempty"`
	WorkingMessage string `json:"workingMessage,omitempty"`
}

type errorTemplate struct {
	status      int
	message     string
	maintaining bool
}

var errorTable = map[string]errorTemplate{
	CodeAppNotFound:     {http.StatusNotFound, "application %s not found", false},
	CodeAppInitializing: {http.StatusServiceUnavailable, "application %s is initializing", true},
	CodeAppStopped:      {http.StatusServiceUnavailable, "application %s is stopped", true},
	CodeAppError:        {http.StatusServiceUnavailable, "application %s failed to start", true},
	CodeNotFound:        {http.StatusNotFound, "%s not found", false},
}

// ErrorWithCode fills the template for code. Unknown codes keep the code and
// surface as 503 maintaining errors.
func ErrorWithCode(code, appName string) AppError {
	t, ok := errorTable[code]
	if !ok {
		t = errorTemplate{http.StatusServiceUnavailable, "application %s is unavailable", true}
	}
	return AppError{
		Status:      t.status,
		Code:        code,
		Message:     fmt.Sprintf(t.message, appName),
		Maintaining: t.maintaining,
		AppName:     appName,
	}
}

// ErrorForRecord maps a non-running record to its client-facing error.
func ErrorForRecord(rec registry.Record) AppError {
	switch rec.Status {
	case registry.Initializing:
		e := ErrorWithCode(CodeAppInitializing, rec.Key)
		e.WorkingMessage = rec.WorkingMessage
		return e
	case registry.Stopped:
		return ErrorWithCode(CodeAppStopped, rec.Key)
	case registry.Error:
		if rec.LastError == nil || rec.LastError.Code == "" {
			return ErrorWithCode(CodeAppError, rec.Key)
		}
		e := ErrorWithCode(rec.LastError.Code, rec.Key)
		if rec.LastError.Message != "" {
			e.Message = rec.LastError.Message
		}
		return e
	}
	return ErrorWithCode(CodeAppNotFound, rec.Key)
}

func writeError(w http.ResponseWriter, e AppError) {
	b, err := json.Marshal(struct {
		Error AppError `json:"error"`
	}{e})
	if err != nil {
		http.Error(w, e.Message, statusIf(e.Status, http.StatusInternalServerError))
		return
	}
	writeJSON(w, b, statusIf(e.Status, http.StatusInternalServerError))
}

func writeJSON(w http.ResponseWriter, payload []byte, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if len(payload) > 0 {
		_, _ = w.Write(payload)
		return
	}
	_, _ = w.Write([]byte(`{}`))
}

func statusIf(s, def int) int {
	if s > 0 {
		return s
	}
	return def
}
