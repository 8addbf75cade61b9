// Package policy es la cara UI del ciclo de sesión: variantes de logout con
// sus mensajes, guard de rutas y logout por inactividad.
package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/dropDatabas3/campusauth/internal/events"
	"github.com/dropDatabas3/campusauth/internal/metrics"
	"github.com/dropDatabas3/campusauth/internal/observability/logger"
	"github.com/dropDatabas3/campusauth/internal/session"
)

// Variant de logout.
type Variant string

const (
	// VariantManual: el usuario hizo click. Confirmación opcional y aviso de éxito.
	VariantManual Variant = "manual"
	// VariantSilent: sin notificación ni navegación.
	VariantSilent Variant = "silent"
	// VariantForced: iniciado por el sistema (401/403, acción de admin). Avisa y va al login.
	VariantForced Variant = "forced"
	// VariantExpired: forced con el texto fijo de sesión expirada.
	VariantExpired Variant = "expired"
)

// ParseVariant valida v (case-insensitive).
func ParseVariant(v string) (Variant, error) {
	switch Variant(strings.ToLower(strings.TrimSpace(v))) {
	case VariantManual:
		return VariantManual, nil
	case VariantSilent:
		return VariantSilent, nil
	case VariantForced:
		return VariantForced, nil
	case VariantExpired:
		return VariantExpired, nil
	}
	return "", fmt.Errorf("policy: unknown logout variant %q", v)
}

// Textos visibles.
var (
	ManualConfirmPrompt = "¿Querés cerrar sesión?"
	ManualNotice        = Notice{Level: LevelSuccess, Title: "Sesión cerrada", Description: "Cerraste sesión correctamente."}
	ForcedNotice        = Notice{Level: LevelWarning, Title: "Sesión finalizada", Description: "Por seguridad cerramos tu sesión. Iniciá sesión nuevamente."}
	ExpiredNotice       = Notice{Level: LevelWarning, Title: "Sesión expirada", Description: "Tu sesión expiró. Iniciá sesión nuevamente para continuar."}
)

// Options de la política.
type Options struct {
	Notifier  Notifier
	Navigator Navigator
	Confirmer Confirmer
	// LoginPath ruta de login. Default "/login".
	LoginPath string
	// ConfirmManual pide confirmación antes del logout manual.
	ConfirmManual bool
}

// Policy aplica las variantes de logout sobre un session.Service.
type Policy struct {
	svc  *session.Service
	opts Options
	hook events.Subscription
}

// New crea la política y la engancha a las sesiones vencidas del servicio:
// cada refresh rechazado termina en un único logout "expired".
func New(svc *session.Service, opts Options) *Policy {
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{}
	}
	if opts.Navigator == nil {
		opts.Navigator = nopNavigator{}
	}
	if opts.Confirmer == nil {
		opts.Confirmer = alwaysConfirm{}
	}
	if opts.LoginPath == "" {
		opts.LoginPath = "/login"
	}
	p := &Policy{svc: svc, opts: opts}
	p.hook = svc.OnSessionExpired(func(ctx context.Context, reason session.Reason) {
		logger.From(ctx).Info("session expired", logger.Layer("policy"), logger.Reason(string(reason)))
		_, _ = p.Logout(ctx, LogoutRequest{Variant: VariantExpired})
	})
	return p
}

// hasSession indica si hay credenciales válidas guardadas, sin red ni side
// effects. Un store caído cuenta como sesión: no se pierde el contador.
func (p *Policy) hasSession(ctx context.Context) bool {
	rec, reason, err := p.svc.Store().Peek(ctx)
	if err != nil {
		return true
	}
	return rec != nil && reason == ""
}

// LoginPath retorna la ruta de login configurada.
func (p *Policy) LoginPath() string { return p.opts.LoginPath }

// LogoutRequest parametriza un logout. Title/Description solo aplican a forced.
type LogoutRequest struct {
	Variant     Variant
	Title       string
	Description string
	// SkipConfirm omite la confirmación del logout manual.
	SkipConfirm bool
}

// Logout ejecuta la variante pedida. Todas terminan en ClearTokens: la sesión
// local nunca sobrevive a un logout aunque falle el backend. done=false solo
// si el usuario canceló la confirmación.
func (p *Policy) Logout(ctx context.Context, req LogoutRequest) (done bool, err error) {
	log := logger.From(ctx).With(logger.Layer("policy"), logger.Op("Logout"), logger.Variant(string(req.Variant)))

	switch req.Variant {
	case VariantManual:
		if p.opts.ConfirmManual && !req.SkipConfirm && !p.opts.Confirmer.Confirm(ctx, ManualConfirmPrompt) {
			log.Debug("logout cancelled by user")
			return false, nil
		}
		if err := p.svc.Logout(ctx, true); err != nil {
			return false, err
		}
		p.opts.Notifier.Notify(ctx, ManualNotice)
		p.opts.Navigator.Navigate(ctx, p.opts.LoginPath)

	case VariantSilent:
		if err := p.svc.ClearTokens(ctx); err != nil {
			return false, err
		}

	case VariantForced:
		n := ForcedNotice
		if req.Title != "" {
			n.Title = req.Title
			n.Description = req.Description
		}
		if err := p.svc.Logout(ctx, true); err != nil {
			return false, err
		}
		p.opts.Notifier.Notify(ctx, n)
		p.opts.Navigator.Navigate(ctx, p.opts.LoginPath)

	case VariantExpired:
		// El refresh ya fue rechazado: no tiene sentido avisar al backend.
		if err := p.svc.ClearTokens(ctx); err != nil {
			return false, err
		}
		p.opts.Notifier.Notify(ctx, ExpiredNotice)
		p.opts.Navigator.Navigate(ctx, p.opts.LoginPath)

	default:
		return false, fmt.Errorf("policy: unknown logout variant %q", req.Variant)
	}

	metrics.Logouts.WithLabelValues(string(req.Variant)).Inc()
	log.Info("logged out")
	return true, nil
}

// Close desengancha la política del servicio.
func (p *Policy) Close() {
	if p.hook != nil {
		p.hook.Unsubscribe()
	}
}
