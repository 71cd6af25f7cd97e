package mcpservice

import (
	"context"
	"errors"
	"log/slog"

	"github.com/streamplane/mcpd/mcp"
	"github.com/streamplane/mcpd/sessions"
)

// ErrInvalidLoggingLevel reports a level outside the protocol-defined set.
var ErrInvalidLoggingLevel = errors.New("invalid logging level")

// slogLevel collapses the syslog-style protocol levels onto slog's four.
// notice folds into info; everything at error and above folds into error.
var slogLevels = map[mcp.LoggingLevel]slog.Level{
	mcp.LoggingLevelDebug:     slog.LevelDebug,
	mcp.LoggingLevelInfo:      slog.LevelInfo,
	mcp.LoggingLevelNotice:    slog.LevelInfo,
	mcp.LoggingLevelWarning:   slog.LevelWarn,
	mcp.LoggingLevelError:     slog.LevelError,
	mcp.LoggingLevelCritical:  slog.LevelError,
	mcp.LoggingLevelAlert:     slog.LevelError,
	mcp.LoggingLevelEmergency: slog.LevelError,
}

// NewSlogLevelVarLogging exposes the logging capability backed by a
// slog.LevelVar: a client's logging/setLevel call retunes every handler built
// from the same variable.
func NewSlogLevelVarLogging(lv *slog.LevelVar) LoggingCapability {
	return &levelVarLogging{lv: lv}
}

type levelVarLogging struct{ lv *slog.LevelVar }

func (l *levelVarLogging) ProvideLogging(ctx context.Context, session sessions.Session) (LoggingCapability, bool, error) {
	if l == nil {
		return nil, false, nil
	}
	return l, true, nil
}

func (l *levelVarLogging) SetLevel(ctx context.Context, _ sessions.Session, level mcp.LoggingLevel) error {
	if l == nil || l.lv == nil {
		return nil
	}
	mapped, ok := slogLevels[level]
	if !ok {
		return ErrInvalidLoggingLevel
	}
	l.lv.Set(mapped)
	return nil
}
