// internal/tools/interceptor.go
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"codepunk/internal/gitsession"
)

// SessionService is the slice of the session manager the interceptor needs.
// *gitsession.Manager satisfies it.
type SessionService interface {
	IsEnabled() bool
	AutoStart() bool
	Active() bool
	Begin(ctx context.Context) (*gitsession.Session, error)
	CommitToolCall(ctx context.Context, toolName, summary string) error
	UpdateActivity()
	MarkFailed(ctx context.Context, reason string) error
}

// readOnlyTools never mutate the workspace and never trigger a session.
var readOnlyTools = map[string]bool{
	"read_file":       true,
	"list_files":      true,
	"get_file_info":   true,
	"grep":            true,
	"codebase_search": true,
	"read_span":       true,
	"think":           true,
	"plan":            true,
	"respond":         true,
}

// SessionInterceptor wraps the tool dispatcher: mutating tool calls lazily
// start a session and, on success, are committed one-to-one onto the
// session branch.
type SessionInterceptor struct {
	inner    Dispatcher
	sessions SessionService
	logger   *slog.Logger
}

// NewSessionInterceptor decorates inner with session management.
func NewSessionInterceptor(inner Dispatcher, sessions SessionService, logger *slog.Logger) *SessionInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionInterceptor{inner: inner, sessions: sessions, logger: logger}
}

// GetTools delegates to the wrapped dispatcher.
func (i *SessionInterceptor) GetTools() []Tool {
	return i.inner.GetTools()
}

// GetTool delegates to the wrapped dispatcher.
func (i *SessionInterceptor) GetTool(name string) (Tool, bool) {
	return i.inner.GetTool(name)
}

// GetLLMTools delegates to the wrapped dispatcher.
func (i *SessionInterceptor) GetLLMTools() []LLMTool {
	return i.inner.GetLLMTools()
}

// Execute dispatches one tool call with session bookkeeping around it.
func (i *SessionInterceptor) Execute(ctx context.Context, name string, args map[string]any) (result ToolResult, err error) {
	if i.sessions == nil || !i.sessions.IsEnabled() {
		return i.inner.Execute(ctx, name, args)
	}

	mutating := !readOnlyTools[name]
	if mutating {
		// Without auto-start, only calls inside a host-started session get
		// session bookkeeping.
		if !i.sessions.Active() && !i.sessions.AutoStart() {
			return i.inner.Execute(ctx, name, args)
		}
		if _, beginErr := i.sessions.Begin(ctx); beginErr != nil {
			// A session that cannot start must not block the tool itself;
			// the call proceeds against the real workspace.
			i.logger.Warn("session start failed, proceeding without isolation",
				"tool", name, "error", beginErr)
			return i.inner.Execute(ctx, name, args)
		}
	}

	// A broken dispatch (error or panic) marks the session failed and is
	// re-raised untouched. Only tool-reported errors are handled below.
	defer func() {
		if r := recover(); r != nil {
			if failErr := i.sessions.MarkFailed(ctx, fmt.Sprintf("panic in tool %s: %v", name, r)); failErr != nil {
				i.logger.Warn("session failure mark failed", "tool", name, "error", failErr)
			}
			panic(r)
		}
	}()

	result, err = i.inner.Execute(ctx, name, args)
	if err != nil {
		if failErr := i.sessions.MarkFailed(ctx, fmt.Sprintf("tool %s: %v", name, err)); failErr != nil {
			i.logger.Warn("session failure mark failed", "tool", name, "error", failErr)
		}
		return result, err
	}

	if !mutating {
		return result, nil
	}

	if result.IsError || result.UserCancelled {
		// Keep the session alive, but an unsuccessful call commits nothing.
		i.sessions.UpdateActivity()
		return result, nil
	}

	if commitErr := i.sessions.CommitToolCall(ctx, name, deriveSummary(name, args)); commitErr != nil {
		// Secondary diagnostic only; the tool's own result stands.
		i.logger.Warn("session commit failed", "tool", name, "error", commitErr)
	}
	return result, nil
}

// deriveSummary produces the one-line change-set summary recorded with each
// commit: the target path for file tools, the command head for shell tools.
func deriveSummary(toolName string, args map[string]any) string {
	for _, key := range []string{"file_path", "path", "target_file", "filename"} {
		if v, ok := args[key].(string); ok && v != "" {
			return filepath.Base(v)
		}
	}
	for _, key := range []string{"command", "cmd"} {
		if v, ok := args[key].(string); ok && v != "" {
			if fields := strings.Fields(v); len(fields) > 0 {
				return fields[0]
			}
		}
	}
	return ""
}
