// Package metrics define los collectors Prometheus del ciclo de vida de sesión.
// Viven en un paquete aparte para que session, tabsync y policy los usen sin
// importarse entre sí.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	AuthChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campusauth_auth_checks_total",
		Help: "Resoluciones de GetAuthWithCache por origen y resultado",
	}, []string{"source", "result"})

	Refreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campusauth_refresh_total",
		Help: "Intentos de refresh por resultado (ok, rejected, unavailable, shared)",
	}, []string{"outcome"})

	Logouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campusauth_logouts_total",
		Help: "Logouts por variante (manual, silent, forced, expired)",
	}, []string{"variant"})

	SyncEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campusauth_sync_events_total",
		Help: "Eventos procesados por el sincronizador, por tipo",
	}, []string{"kind"})

	AutoRefreshActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "campusauth_auto_refresh_active",
		Help: "Tareas de auto-refresh activas en el proceso",
	})

	// MockRequests solo lo usa el backend de desarrollo.
	MockRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campusauth_mock_requests_total",
		Help: "Requests atendidos por authmock, por ruta y status",
	}, []string{"route", "status"})
)

// Register registra los collectors en reg (o el default si es nil).
// Tolera AlreadyRegistered para poder llamarlo desde varios panels.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{AuthChecks, Refreshes, Logouts, SyncEvents, AutoRefreshActive, MockRequests} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
