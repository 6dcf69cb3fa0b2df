package coedit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// a panic raised by a closed session or a canceled context is expected on
// teardown and is not logged
func IsDoneError(r any) bool {
	switch v := r.(type) {
	case error:
		return errors.Is(v, ErrSessionClosed) || errors.Is(v, context.Canceled) || v.Error() == "Done"
	case string:
		return v == "Done"
	default:
		return false
	}
}

// HandleError runs `do` and recovers a panic. Each handler is either a
// `func()` or a `func(error)`.
// Collaborator callbacks are always run through this.
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		r = recover()
		if r == nil {
			return
		}
		if !IsDoneError(r) {
			glog.Warningf("[panic]%s\n", ErrorJson(r, debug.Stack()))
		}
		runErrorHandlers(r, handlers)
	}()
	do()
	return
}

func runErrorHandlers(r any, handlers []any) {
	err, ok := r.(error)
	if !ok {
		err = fmt.Errorf("%v", r)
	}
	for _, handler := range handlers {
		switch v := handler.(type) {
		case func():
			v()
		case func(error):
			v(err)
		default:
			glog.Errorf("[panic]handler %T is not a func() or func(error)\n", handler)
		}
	}
}

// ErrorJson formats a recovered value and its stack as one log line.
func ErrorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			stackLines = append(stackLines, line)
		}
	}
	errorJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%v", err, err),
		"stack": stackLines,
	})
	return string(errorJson)
}

// Trace logs the duration of `do` at verbosity 2.
func Trace(tag string, do func()) {
	traceTimed(tag, func() string {
		do()
		return ""
	})
}

// TraceWithReturnError is `Trace` that also logs the result or the error.
func TraceWithReturnError[R any](tag string, do func() (R, error)) (result R, returnErr error) {
	traceTimed(tag, func() string {
		result, returnErr = do()
		if returnErr != nil {
			return fmt.Sprintf(" err = %s", returnErr)
		}
		return fmt.Sprintf(" = %v", result)
	})
	return
}

func traceTimed(tag string, do func() string) {
	if !glog.V(2) {
		do()
		return
	}
	startTime := time.Now()
	glog.Infof("[trace]start %s\n", tag)
	suffix := do()
	elapsed := time.Since(startTime)
	glog.Infof("[trace]end %s (%.2fms)%s\n", tag, float64(elapsed)/float64(time.Millisecond), suffix)
}
