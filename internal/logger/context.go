package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds unit- or job-scoped logging context that is injected
// into every *Ctx log call.
type LogContext struct {
	JobID     string    // Queue job UUID (worker path)
	Unit      string    // Archive unit prefix
	ChatID    int64     // Origin chat id
	MessageID int64     // Origin message id
	SenderID  int64     // Curator user id
	Component string    // Subsystem name
	StartTime time.Time // For duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for the given component.
func NewLogContext(component string) *LogContext {
	return &LogContext{
		Component: component,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithJob returns a copy with the job id set
func (lc *LogContext) WithJob(jobID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.JobID = jobID
	}
	return clone
}

// WithUnit returns a copy with the unit prefix set
func (lc *LogContext) WithUnit(prefix string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Unit = prefix
	}
	return clone
}

// WithOrigin returns a copy with the telegram origin set
func (lc *LogContext) WithOrigin(chatID, messageID, senderID int64) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.ChatID = chatID
		clone.MessageID = messageID
		clone.SenderID = senderID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
