package whatsapp

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogLogger bridges whatsmeow's printf-style logger onto slog. whatsmeow
// info output is noisy, so it is demoted to debug.
type slogLogger struct {
	log    *slog.Logger
	module string
}

// NewLogger returns a whatsmeow logger writing through l.
func NewLogger(l *slog.Logger, module string) waLog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return slogLogger{log: l, module: module}
}

func (s slogLogger) Errorf(msg string, args ...any) {
	s.log.Error(fmt.Sprintf(msg, args...), "module", s.module)
}

func (s slogLogger) Warnf(msg string, args ...any) {
	s.log.Warn(fmt.Sprintf(msg, args...), "module", s.module)
}

func (s slogLogger) Infof(msg string, args ...any) {
	s.log.Debug(fmt.Sprintf(msg, args...), "module", s.module)
}

func (s slogLogger) Debugf(msg string, args ...any) {
	s.log.Debug(fmt.Sprintf(msg, args...), "module", s.module)
}

func (s slogLogger) Sub(module string) waLog.Logger {
	if s.module != "" {
		module = s.module + "/" + module
	}
	return slogLogger{log: s.log, module: module}
}
