package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dropDatabas3/campusauth/internal/observability/logger"
	"github.com/nats-io/nats.go"
)

// Publisher es la parte de *nats.Conn que usa el bridge.
type Publisher interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATSBridge reenvía AuthStateChanged entre procesos: lo local sale por
// subject y lo remoto entra al bus local marcado Remote. Los eventos remotos
// no se reenvían y los propios (mismo Origin) se ignoran al volver.
type NATSBridge struct {
	bus     *Bus
	conn    Publisher
	subject string
	origin  string

	mu      sync.Mutex
	localSb Subscription
	natsSub *nats.Subscription
}

// NewNATSBridge crea el bridge. origin es el id de la instancia local.
func NewNATSBridge(bus *Bus, conn Publisher, subject, origin string) *NATSBridge {
	if subject == "" {
		subject = "campusauth.auth-state"
	}
	return &NATSBridge{bus: bus, conn: conn, subject: subject, origin: origin}
}

// Start conecta ambas direcciones. Llamar Stop para desconectar.
func (br *NATSBridge) Start(ctx context.Context) error {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.natsSub != nil {
		return nil
	}

	sub, err := br.conn.Subscribe(br.subject, func(m *nats.Msg) {
		ev, ok := br.decode(m.Data)
		if !ok {
			return
		}
		br.bus.Publish(ctx, AuthStateChanged, ev)
	})
	if err != nil {
		return fmt.Errorf("events: nats subscribe %s: %w", br.subject, err)
	}
	br.natsSub = sub

	br.localSb = br.bus.Subscribe(AuthStateChanged, func(ctx context.Context, ev AuthState) {
		if ev.Remote {
			return
		}
		if err := br.forward(ev); err != nil {
			logger.From(ctx).Warn("nats bridge publish failed", logger.Component("events.nats"), logger.Err(err))
		}
	})
	return nil
}

func (br *NATSBridge) forward(ev AuthState) error {
	if ev.Origin == "" {
		ev.Origin = br.origin
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return br.conn.Publish(br.subject, data)
}

func (br *NATSBridge) decode(data []byte) (AuthState, bool) {
	var ev AuthState
	if err := json.Unmarshal(data, &ev); err != nil {
		logger.L().Debug("nats bridge: malformed event", logger.Component("events.nats"), logger.Err(err))
		return AuthState{}, false
	}
	if ev.Origin == br.origin {
		return AuthState{}, false
	}
	ev.Remote = true
	return ev, true
}

// Stop desconecta ambas direcciones. Idempotente.
func (br *NATSBridge) Stop() {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.localSb != nil {
		br.localSb.Unsubscribe()
		br.localSb = nil
	}
	if br.natsSub != nil {
		_ = br.natsSub.Unsubscribe()
		br.natsSub = nil
	}
}

// DialNATS abre una conexión con nombre de cliente y reconexión.
func DialNATS(url, name string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
	)
}
