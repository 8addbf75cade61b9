// Package authmock es un backend de auth de desarrollo que implementa el
// contrato que consume authapi: POST /login, /refresh y /logout.
//
// Emite access tokens HS256 con exp, refresh tokens opacos que rotan en cada
// uso y se revocan en logout. Los usuarios viven en memoria con password bcrypt.
package authmock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dropDatabas3/campusauth/internal/clock"
	"github.com/dropDatabas3/campusauth/internal/domain/types"
	"github.com/dropDatabas3/campusauth/internal/observability/logger"
	"github.com/dropDatabas3/campusauth/internal/rate"
	"github.com/dropDatabas3/campusauth/internal/security/password"
	tokens "github.com/dropDatabas3/campusauth/internal/security/token"
	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrUserDisabled        = errors.New("user disabled")
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrDuplicateUser       = errors.New("user already exists")
)

// Config del backend.
type Config struct {
	Issuer     string
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// BcryptCost 0 => password.Cost.
	BcryptCost int
	Clock      clock.Clock

	// LoginLimiter limita intentos de /login por email. nil => sin límite.
	LoginLimiter rate.Limiter
}

// Tokens es lo que devuelven login y refresh.
type Tokens struct {
	Token        string            `json:"token"`
	RefreshToken string            `json:"refreshToken"`
	User         types.UserProfile `json:"user"`
}

type user struct {
	profile  types.UserProfile
	hash     string
	disabled bool
}

type refreshEntry struct {
	email     string
	expiresAt time.Time
}

// Server guarda usuarios y refresh tokens en memoria.
type Server struct {
	cfg Config

	mu      sync.Mutex
	users   map[string]*user
	refresh map[string]refreshEntry // sha256(token) -> entry
}

// New crea el backend. Secret vacío genera uno aleatorio.
func New(cfg Config) (*Server, error) {
	if cfg.Issuer == "" {
		cfg.Issuer = "campusauth-mock"
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = password.Cost
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System
	}
	if len(cfg.Secret) == 0 {
		s, err := tokens.GenerateOpaqueToken(32)
		if err != nil {
			return nil, err
		}
		cfg.Secret = []byte(s)
	}
	return &Server{
		cfg:     cfg,
		users:   make(map[string]*user),
		refresh: make(map[string]refreshEntry),
	}, nil
}

// AddUser siembra un usuario.
func (s *Server) AddUser(email, plain, fullName string, role types.Role) (types.UserProfile, error) {
	email = normEmail(email)
	role = types.ParseRole(string(role))
	if email == "" || !role.IsValid() {
		return types.UserProfile{}, errors.New("email and valid role are required")
	}
	hash, err := password.HashWithCost(plain, s.cfg.BcryptCost)
	if err != nil {
		return types.UserProfile{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[email]; ok {
		return types.UserProfile{}, ErrDuplicateUser
	}
	p := types.UserProfile{ID: uuid.NewString(), Email: email, FullName: fullName, Role: role}
	s.users[email] = &user{profile: p, hash: hash}
	return p, nil
}

// SetDisabled deshabilita (o habilita) un usuario. Un usuario deshabilitado
// no puede loguearse ni refrescar.
func (s *Server) SetDisabled(email string, disabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[normEmail(email)]
	if ok {
		u.disabled = disabled
	}
	return ok
}

// RevokeAll revoca todos los refresh tokens de email. Retorna cuántos.
func (s *Server) RevokeAll(email string) int {
	email = normEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for h, e := range s.refresh {
		if e.email == email {
			delete(s.refresh, h)
			n++
		}
	}
	return n
}

// Login valida credenciales y emite tokens.
func (s *Server) Login(ctx context.Context, email, plain string) (*Tokens, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Component("authmock"), logger.Op("Login"))
	email = normEmail(email)

	s.mu.Lock()
	u, ok := s.users[email]
	s.mu.Unlock()
	if !ok || !password.Verify(plain, u.hash) {
		log.Info("invalid credentials", logger.Email(email))
		return nil, ErrInvalidCredentials
	}
	if u.disabled {
		return nil, ErrUserDisabled
	}
	return s.issue(u.profile)
}

// Refresh consume el refresh token y emite un par nuevo (rotación).
func (s *Server) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Component("authmock"), logger.Op("Refresh"))
	h := tokens.SHA256Base64URL(strings.TrimSpace(refreshToken))

	s.mu.Lock()
	e, ok := s.refresh[h]
	delete(s.refresh, h)
	var u *user
	if ok {
		u = s.users[e.email]
	}
	s.mu.Unlock()

	if !ok || !s.cfg.Clock().Before(e.expiresAt) || u == nil {
		log.Info("refresh rejected", logger.Fingerprint(refreshToken))
		return nil, ErrInvalidRefreshToken
	}
	if u.disabled {
		return nil, ErrUserDisabled
	}
	return s.issue(u.profile)
}

// Logout revoca el refresh token. Tokens desconocidos se ignoran.
func (s *Server) Logout(ctx context.Context, refreshToken string) {
	if refreshToken == "" {
		return
	}
	h := tokens.SHA256Base64URL(strings.TrimSpace(refreshToken))
	s.mu.Lock()
	delete(s.refresh, h)
	s.mu.Unlock()
}

// ActiveRefreshTokens cantidad de refresh tokens vigentes.
func (s *Server) ActiveRefreshTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refresh)
}

func (s *Server) issue(p types.UserProfile) (*Tokens, error) {
	now := s.cfg.Clock()
	claims := jwtv5.MapClaims{
		"iss":   s.cfg.Issuer,
		"sub":   p.ID,
		"email": p.Email,
		"role":  string(p.Role),
		"iat":   now.Unix(),
		"exp":   now.Add(s.cfg.AccessTTL).Unix(),
		"jti":   uuid.NewString(),
	}
	access, err := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
	if err != nil {
		return nil, err
	}
	plain, hash, err := tokens.NewRefreshToken()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.refresh[hash] = refreshEntry{email: p.Email, expiresAt: now.Add(s.cfg.RefreshTTL)}
	s.mu.Unlock()
	return &Tokens{Token: access, RefreshToken: plain, User: p}, nil
}

// VerifyAccess valida firma, issuer y exp de un access token.
func (s *Server) VerifyAccess(token string) (jwtv5.MapClaims, error) {
	claims := jwtv5.MapClaims{}
	_, err := jwtv5.ParseWithClaims(token, claims, func(t *jwtv5.Token) (any, error) {
		return s.cfg.Secret, nil
	},
		jwtv5.WithValidMethods([]string{jwtv5.SigningMethodHS256.Alg()}),
		jwtv5.WithIssuer(s.cfg.Issuer),
		jwtv5.WithTimeFunc(s.cfg.Clock),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func normEmail(e string) string { return strings.ToLower(strings.TrimSpace(e)) }
