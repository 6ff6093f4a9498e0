package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/m-mizutani/clog"
)

// NewConsoleHandler returns a colored, human friendly slog.Handler. goerr
// values attached to logged errors are expanded into attributes.
func NewConsoleHandler(w io.Writer, level LogLevel) slog.Handler {
	if w == nil {
		w = os.Stderr
	}
	return clog.New(
		clog.WithWriter(w),
		clog.WithLevel(slogLevel(level)),
		clog.WithTimeFmt("15:04:05"),
		clog.WithSource(false),
		clog.WithAttrHook(clog.GoerrHook),
	)
}
