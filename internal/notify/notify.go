// Package notify delivers advisory, fire-and-forget notifications to operators.
package notify

import (
	"context"
	"log/slog"
)

// Levels.
const (
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Message is one notification.
type Message struct {
	Level       string         `json:"level"`
	Text        string         `json:"message"`
	Description string         `json:"description,omitempty"`
	EntityKind  string         `json:"entity_kind,omitempty"`
	EntityID    string         `json:"entity_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Option decorates a message.
type Option func(*Message)

func WithDescription(desc string) Option {
	return func(m *Message) { m.Description = desc }
}

func WithEntity(kind, id string) Option {
	return func(m *Message) {
		m.EntityKind = kind
		m.EntityID = id
	}
}

func WithData(key string, value any) Option {
	return func(m *Message) {
		if m.Data == nil {
			m.Data = map[string]any{}
		}
		m.Data[key] = value
	}
}

// Notifier never blocks and never fails.
type Notifier interface {
	Success(ctx context.Context, msg string, opts ...Option)
	Warning(ctx context.Context, msg string, opts ...Option)
	Error(ctx context.Context, msg string, opts ...Option)
}

func build(level, text string, opts []Option) Message {
	m := Message{Level: level, Text: text}
	for _, o := range opts {
		o(&m)
	}
	return m
}

// sender adapts a single send function to the Notifier interface.
type sender func(ctx context.Context, m Message)

func (s sender) Success(ctx context.Context, msg string, opts ...Option) {
	s(ctx, build(LevelSuccess, msg, opts))
}

func (s sender) Warning(ctx context.Context, msg string, opts ...Option) {
	s(ctx, build(LevelWarning, msg, opts))
}

func (s sender) Error(ctx context.Context, msg string, opts ...Option) {
	s(ctx, build(LevelError, msg, opts))
}

// Log returns a notifier that writes messages to the logger.
func Log(logger *slog.Logger) Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notify")
	return sender(func(ctx context.Context, m Message) {
		level := slog.LevelInfo
		switch m.Level {
		case LevelWarning:
			level = slog.LevelWarn
		case LevelError:
			level = slog.LevelError
		}
		attrs := []any{"level_name", m.Level}
		if m.Description != "" {
			attrs = append(attrs, "description", m.Description)
		}
		if m.EntityID != "" {
			attrs = append(attrs, "entity_kind", m.EntityKind, "entity_id", m.EntityID)
		}
		logger.Log(ctx, level, m.Text, attrs...)
	})
}

// Func adapts a plain function, mostly for tests.
func Func(fn func(ctx context.Context, m Message)) Notifier {
	return sender(fn)
}

// Multi fans out to every notifier in order.
func Multi(notifiers ...Notifier) Notifier {
	return sender(func(ctx context.Context, m Message) {
		opts := []Option{func(dst *Message) { *dst = m }}
		for _, n := range notifiers {
			if n == nil {
				continue
			}
			switch m.Level {
			case LevelSuccess:
				n.Success(ctx, m.Text, opts...)
			case LevelWarning:
				n.Warning(ctx, m.Text, opts...)
			default:
				n.Error(ctx, m.Text, opts...)
			}
		}
	})
}

// Discard drops every message.
var Discard Notifier = sender(func(context.Context, Message) {})
