package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dropDatabas3/campusauth/internal/clock"
	"github.com/dropDatabas3/campusauth/internal/domain/types"
	"github.com/dropDatabas3/campusauth/internal/observability/logger"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const sessionRecordKey = "record"

// Options configura un Store.
type Options struct {
	// Keys nombres de las claves en el backend. Default: DefaultKeys("campus_").
	Keys Keys

	// Roles permitidos por el panel. Un record con otro rol se descarta.
	Roles types.RoleSet

	// SessionTTL vida de la capa de sesión in-process. 0 deshabilita la capa.
	SessionTTL time.Duration

	// Clock para IssuedAt. Default: clock.System.
	Clock clock.Clock
}

// Store es el Credential Store. El backend es la fuente de verdad; la capa de
// sesión (go-cache) es solo una optimización de lectura y se descarta ante
// cualquier cambio externo.
type Store struct {
	backend Backend
	keys    Keys
	roles   types.RoleSet
	now     clock.Clock

	session    *gocache.Cache
	sessionTTL time.Duration
}

// New crea un Store sobre backend.
func New(backend Backend, opts Options) *Store {
	if opts.Keys == (Keys{}) {
		opts.Keys = DefaultKeys("campus_")
	}
	if opts.Clock == nil {
		opts.Clock = clock.System
	}
	s := &Store{
		backend:    backend,
		keys:       opts.Keys,
		roles:      opts.Roles,
		now:        opts.Clock,
		sessionTTL: opts.SessionTTL,
	}
	if opts.SessionTTL > 0 {
		s.session = gocache.New(opts.SessionTTL, time.Minute)
	}
	return s
}

// Keys retorna las claves de sesión.
func (s *Store) Keys() Keys { return s.keys }

// Backend retorna el backend subyacente.
func (s *Store) Backend() Backend { return s.backend }

// Write persiste el record completo en una sola operación del backend.
func (s *Store) Write(ctx context.Context, rec types.CredentialRecord) error {
	if rec.AccessToken == "" {
		return errors.New("store: access token is required")
	}
	if !rec.User.Valid() {
		return errors.New("store: user profile is invalid")
	}
	if rec.IssuedAt.IsZero() {
		rec.IssuedAt = s.now()
	}

	userJSON, err := json.Marshal(rec.User)
	if err != nil {
		return fmt.Errorf("store: encode user: %w", err)
	}

	kv := map[string]string{
		s.keys.AccessToken: rec.AccessToken,
		s.keys.User:        string(userJSON),
		s.keys.LastLogin:   rec.IssuedAt.UTC().Format(time.RFC3339Nano),
	}
	if rec.RefreshToken != "" {
		kv[s.keys.RefreshToken] = rec.RefreshToken
	} else {
		// Un refresh token viejo no puede sobrevivir a otro login.
		if _, err := s.backend.DeleteMany(ctx, s.keys.RefreshToken); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	if err := s.backend.SetMany(ctx, kv); err != nil {
		s.dropSession()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if s.session != nil {
		cp := rec
		s.session.Set(sessionRecordKey, &cp, s.sessionTTL)
	}
	logger.From(ctx).Debug("credentials written", recordFields(&rec)...)
	return nil
}

// Read retorna el record o nil si no hay sesión. Un record malformado (claves
// faltantes, JSON inválido, rol no permitido) se borra y se reporta como nil:
// nunca produce error. Solo se retorna error si el backend no responde.
func (s *Store) Read(ctx context.Context) (*types.CredentialRecord, error) {
	if rec, ok := s.fromSession(); ok {
		return rec, nil
	}

	rec, reason, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		log := logger.From(ctx).With(logger.Layer("store"), logger.Component("credentials"), logger.Op("Read"))
		log.Warn("discarding malformed credential record", logger.Reason(reason))
		if _, cerr := s.Clear(ctx); cerr != nil {
			log.Warn("could not clear malformed record", logger.Err(cerr))
		}
		return nil, nil
	}
	if rec != nil && s.session != nil {
		s.session.Set(sessionRecordKey, rec, s.sessionTTL)
	}
	return copyRecord(rec), nil
}

// Peek es como Read pero sin side effects: no limpia ni cachea. Retorna el
// motivo por el cual el record es inválido, si lo es.
func (s *Store) Peek(ctx context.Context) (*types.CredentialRecord, string, error) {
	return s.load(ctx)
}

// Clear borra todas las claves de sesión en una pasada. Idempotente.
// removed indica si alguna clave existía.
func (s *Store) Clear(ctx context.Context) (bool, error) {
	s.dropSession()
	n, err := s.backend.DeleteMany(ctx, s.keys.All()...)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

// Watch entrega los cambios de otras instancias sobre las claves de sesión.
// Cada cambio descarta primero la capa de sesión, así la siguiente lectura
// va al backend.
func (s *Store) Watch(ctx context.Context) (<-chan Change, error) {
	in, err := s.backend.Watch(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan Change, watchBuffer)
	go func() {
		defer close(out)
		for c := range in {
			if !s.keys.Has(c.Key) {
				continue
			}
			s.dropSession()
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// InvalidateSession descarta la capa de sesión.
func (s *Store) InvalidateSession() { s.dropSession() }

// Close cierra el backend.
func (s *Store) Close() error {
	s.dropSession()
	return s.backend.Close()
}

func (s *Store) dropSession() {
	if s.session != nil {
		s.session.Delete(sessionRecordKey)
	}
}

func (s *Store) fromSession() (*types.CredentialRecord, bool) {
	if s.session == nil {
		return nil, false
	}
	v, ok := s.session.Get(sessionRecordKey)
	if !ok {
		return nil, false
	}
	rec, ok := v.(*types.CredentialRecord)
	if !ok || rec == nil {
		return nil, false
	}
	return copyRecord(rec), true
}

// load lee y valida. reason != "" significa record malformado.
func (s *Store) load(ctx context.Context) (*types.CredentialRecord, string, error) {
	// Una sola lectura: con Gets separados un write de otra instancia en el
	// medio parece un record a medias.
	kv, err := s.backend.GetMany(ctx, s.keys.All()...)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	token, hasToken := kv[s.keys.AccessToken]
	hasToken = hasToken && token != ""
	rawUser, hasUser := kv[s.keys.User]
	hasUser = hasUser && rawUser != ""
	refresh, hasRefresh := kv[s.keys.RefreshToken]
	hasRefresh = hasRefresh && refresh != ""
	lastLogin, hasLastLogin := kv[s.keys.LastLogin]
	hasLastLogin = hasLastLogin && lastLogin != ""

	switch {
	case !hasToken && !hasUser:
		if hasRefresh || hasLastLogin {
			return nil, "orphan_keys", nil
		}
		return nil, "", nil
	case !hasToken:
		return nil, "missing_token", nil
	case !hasUser:
		return nil, "missing_user", nil
	}

	var user types.UserProfile
	if err := json.Unmarshal([]byte(rawUser), &user); err != nil {
		return nil, "user_unparsable", nil
	}
	user.Role = types.ParseRole(string(user.Role))
	if !user.Valid() {
		return nil, "user_invalid", nil
	}
	if !s.roles.Allows(user.Role) {
		return nil, "role_not_allowed", nil
	}

	rec := &types.CredentialRecord{AccessToken: token, User: user}
	if hasRefresh {
		rec.RefreshToken = refresh
	}
	if hasLastLogin {
		ts, err := time.Parse(time.RFC3339Nano, lastLogin)
		if err != nil {
			return nil, "last_login_unparsable", nil
		}
		rec.IssuedAt = ts
	}
	return rec, "", nil
}

func copyRecord(rec *types.CredentialRecord) *types.CredentialRecord {
	if rec == nil {
		return nil
	}
	cp := *rec
	return &cp
}

// fields para logs sin exponer el token.
func recordFields(rec *types.CredentialRecord) []zap.Field {
	if rec == nil {
		return nil
	}
	return []zap.Field{logger.UserID(rec.User.ID), logger.Role(string(rec.User.Role)), logger.Fingerprint(rec.AccessToken)}
}
