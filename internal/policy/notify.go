package policy

import (
	"context"

	"github.com/dropDatabas3/campusauth/internal/observability/logger"
)

// Level de una notificación.
type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
)

// Notice es el mensaje visible para el usuario. Dismissable siempre.
type Notice struct {
	Level       Level  `json:"level"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Notifier muestra notificaciones (toast en la UI, stderr en el CLI).
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// Navigator cambia de ruta.
type Navigator interface {
	Navigate(ctx context.Context, path string)
}

// Confirmer pide confirmación al usuario.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) bool
}

// NotifierFunc adapta una función a Notifier.
type NotifierFunc func(ctx context.Context, n Notice)

func (f NotifierFunc) Notify(ctx context.Context, n Notice) { f(ctx, n) }

// NavigatorFunc adapta una función a Navigator.
type NavigatorFunc func(ctx context.Context, path string)

func (f NavigatorFunc) Navigate(ctx context.Context, path string) { f(ctx, path) }

// ConfirmerFunc adapta una función a Confirmer.
type ConfirmerFunc func(ctx context.Context, prompt string) bool

func (f ConfirmerFunc) Confirm(ctx context.Context, prompt string) bool { return f(ctx, prompt) }

// LogNotifier escribe las notificaciones en el log. Default cuando no hay UI.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, n Notice) {
	logger.From(ctx).Info(n.Title,
		logger.Component("notifier"),
		logger.String("level", string(n.Level)),
		logger.String("description", n.Description))
}

type nopNavigator struct{}

func (nopNavigator) Navigate(context.Context, string) {}

type alwaysConfirm struct{}

func (alwaysConfirm) Confirm(context.Context, string) bool { return true }
