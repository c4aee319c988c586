package crew

import (
	"context"
	"log/slog"
)

type ContextKey string

const (
	LoggerContextKey   ContextKey = "logger"
	ThreadContextKey   ContextKey = "thread_id"
	DecisionContextKey ContextKey = "decision"
)

// Decision is the caller's verdict at the interrupt boundary.
type Decision struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// Approve returns an approving decision with optional feedback.
func Approve(feedback string) *Decision {
	return &Decision{Approved: true, Feedback: feedback}
}

// Reject returns a rejecting decision.
func Reject(feedback string) *Decision {
	return &Decision{Approved: false, Feedback: feedback}
}

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, ThreadContextKey, threadID)
}

// WithDecision attaches the boundary decision. The engine only does this for
// the invocation that runs the boundary step.
func WithDecision(ctx context.Context, decision *Decision) context.Context {
	return context.WithValue(ctx, DecisionContextKey, decision)
}

func GetLoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger)
	return logger, ok
}

func GetThreadIDFromContext(ctx context.Context) (string, bool) {
	threadID, ok := ctx.Value(ThreadContextKey).(string)
	return threadID, ok
}

func DecisionFromContext(ctx context.Context) (*Decision, bool) {
	decision, ok := ctx.Value(DecisionContextKey).(*Decision)
	return decision, ok && decision != nil
}
