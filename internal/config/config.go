package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefijo de las variables de entorno que pisan el YAML.
const EnvPrefix = "CAMPUSAUTH_"

type Config struct {
	// Bloque app (opcional en YAML). Si no está, queda vacío.
	App struct {
		// dev | prod
		Env string `yaml:"app_env" env:"ENV"`
	} `yaml:"app" envPrefix:"APP_"`

	Log struct {
		Level  string `yaml:"level" env:"LEVEL"`
		Output string `yaml:"output" env:"OUTPUT"` // stderr | stdout | path
	} `yaml:"log" envPrefix:"LOG_"`

	Panel PanelConfig `yaml:"panel" envPrefix:"PANEL_"`

	API struct {
		BaseURL string `yaml:"base_url" env:"BASE_URL"`
		Timeout string `yaml:"timeout" env:"TIMEOUT"`
	} `yaml:"api" envPrefix:"API_"`

	Storage struct {
		Driver    string `yaml:"driver" env:"DRIVER"` // fs | memory | redis
		Namespace string `yaml:"namespace" env:"NAMESPACE"`
		Dir       string `yaml:"dir" env:"DIR"` // fs: vacío => UserConfigDir/campusauth
		Redis     struct {
			Addr     string `yaml:"addr" env:"ADDR"`
			Password string `yaml:"password" env:"PASSWORD"`
			DB       int    `yaml:"db" env:"DB"`
		} `yaml:"redis" envPrefix:"REDIS_"`
		// Vida de la capa de sesión in-process delante del backend. "0" la deshabilita.
		SessionLayerTTL string `yaml:"session_layer_ttl" env:"SESSION_LAYER_TTL"`
		// Clave AES-256 (base64/hex) para cifrar el archivo del driver fs.
		EncryptionKey string `yaml:"encryption_key" env:"ENCRYPTION_KEY"`
	} `yaml:"storage" envPrefix:"STORAGE_"`

	Session SessionConfig `yaml:"session" envPrefix:"SESSION_"`

	Events struct {
		NATS struct {
			URL     string `yaml:"url" env:"URL"` // vacío => sin bridge
			Subject string `yaml:"subject" env:"SUBJECT"`
		} `yaml:"nats" envPrefix:"NATS_"`
	} `yaml:"events" envPrefix:"EVENTS_"`

	Metrics struct {
		Addr string `yaml:"addr" env:"ADDR"` // vacío => sin endpoint
	} `yaml:"metrics" envPrefix:"METRICS_"`

	// Backend de desarrollo (cmd/authmock).
	Mock MockConfig `yaml:"mock" envPrefix:"MOCK_"`
}

// PanelConfig identifica el panel y sus reglas de acceso.
type PanelConfig struct {
	Name      string   `yaml:"name" env:"NAME"` // admin | user
	Roles     []string `yaml:"roles" env:"ROLES"`
	LoginPath string   `yaml:"login_path" env:"LOGIN_PATH"`
	KeyPrefix string   `yaml:"key_prefix" env:"KEY_PREFIX"`

	// ConfirmLogout pide confirmación antes del logout manual.
	ConfirmLogout bool `yaml:"confirm_logout" env:"CONFIRM_LOGOUT"`
}

// SessionConfig son los tiempos del ciclo de vida del token, como strings
// (time.ParseDuration).
type SessionConfig struct {
	Freshness       string `yaml:"freshness" env:"FRESHNESS"`
	RefreshInterval string `yaml:"refresh_interval" env:"REFRESH_INTERVAL"`
	RefreshLeeway   string `yaml:"refresh_leeway" env:"REFRESH_LEEWAY"`
	TokenTTL        string `yaml:"token_ttl" env:"TOKEN_TTL"`
	LogoutTimeout   string `yaml:"logout_timeout" env:"LOGOUT_TIMEOUT"`
	CoalesceWindow  string `yaml:"coalesce_window" env:"COALESCE_WINDOW"`

	// DisableAutoRefresh apaga el refresh proactivo.
	DisableAutoRefresh bool `yaml:"disable_auto_refresh" env:"DISABLE_AUTO_REFRESH"`

	Inactivity struct {
		Enabled    bool   `yaml:"enabled" env:"ENABLED"`
		Timeout    string `yaml:"timeout" env:"TIMEOUT"`
		WarnBefore string `yaml:"warn_before" env:"WARN_BEFORE"`
	} `yaml:"inactivity" envPrefix:"INACTIVITY_"`
}

// MockConfig configura el backend de auth de desarrollo.
type MockConfig struct {
	Addr       string     `yaml:"addr" env:"ADDR"`
	JWTSecret  string     `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer     string     `yaml:"issuer" env:"ISSUER"`
	AccessTTL  string     `yaml:"access_ttl" env:"ACCESS_TTL"`
	RefreshTTL string     `yaml:"refresh_ttl" env:"REFRESH_TTL"`
	Users      []MockUser `yaml:"users" env:"-"`

	// Límite de intentos de /login por email y ventana. 0 lo deshabilita.
	LoginAttempts int    `yaml:"login_attempts" env:"LOGIN_ATTEMPTS"`
	LoginWindow   string `yaml:"login_window" env:"LOGIN_WINDOW"`
	// RateLimitRedis si no es vacío, el contador vive en Redis (varias réplicas).
	RateLimitRedis string `yaml:"rate_limit_redis" env:"RATE_LIMIT_REDIS"`
}

// MockUser es un usuario sembrado en el backend de desarrollo.
type MockUser struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	FullName string `yaml:"full_name"`
	Role     string `yaml:"role"`
}

// Load lee path (si no es vacío), aplica las variables CAMPUSAUTH_* y
// completa defaults. Un path inexistente es error; path vacío usa solo
// defaults + entorno.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := c.applyEnvOverrides(); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default retorna la configuración por defecto (sin archivo ni entorno).
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// applyEnvOverrides: pisa config.yaml con variables de entorno.
func (c *Config) applyEnvOverrides() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config: env: %w", err)
	}
	c.App.Env = strings.ToLower(strings.TrimSpace(c.App.Env))
	c.Panel.Name = strings.ToLower(strings.TrimSpace(c.Panel.Name))
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	return nil
}

func (c *Config) applyDefaults() {
	// sane defaults
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stderr"
	}

	if c.Panel.Name == "" {
		c.Panel.Name = "admin"
	}
	if len(c.Panel.Roles) == 0 {
		c.Panel.Roles = DefaultRoles(c.Panel.Name)
	}
	if c.Panel.LoginPath == "" {
		c.Panel.LoginPath = "/login"
	}
	if c.Panel.KeyPrefix == "" {
		c.Panel.KeyPrefix = "campus_"
	}

	if c.API.BaseURL == "" {
		c.API.BaseURL = "http://localhost:8081/api/auth"
	}
	if c.API.Timeout == "" {
		c.API.Timeout = "10s"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "fs"
	}
	if c.Storage.Namespace == "" {
		c.Storage.Namespace = c.Panel.Name
	}
	if c.Storage.Redis.Addr == "" {
		c.Storage.Redis.Addr = "localhost:6379"
	}
	if c.Storage.SessionLayerTTL == "" {
		c.Storage.SessionLayerTTL = "30s"
	}

	s := &c.Session
	if s.Freshness == "" {
		s.Freshness = "3m"
	}
	if s.RefreshInterval == "" {
		s.RefreshInterval = "2m"
	}
	if s.RefreshLeeway == "" {
		s.RefreshLeeway = "5m"
	}
	if s.TokenTTL == "" {
		s.TokenTTL = "24h"
	}
	if s.LogoutTimeout == "" {
		s.LogoutTimeout = "5s"
	}
	if s.CoalesceWindow == "" {
		s.CoalesceWindow = "100ms"
	}
	if s.Inactivity.Timeout == "" {
		s.Inactivity.Timeout = "30m"
	}
	if s.Inactivity.WarnBefore == "" {
		s.Inactivity.WarnBefore = "2m"
	}

	if c.Events.NATS.Subject == "" {
		c.Events.NATS.Subject = "campusauth.auth-state"
	}

	if c.Mock.Addr == "" {
		c.Mock.Addr = ":8081"
	}
	if c.Mock.Issuer == "" {
		c.Mock.Issuer = "campusauth-mock"
	}
	if c.Mock.AccessTTL == "" {
		c.Mock.AccessTTL = "15m"
	}
	if c.Mock.RefreshTTL == "" {
		c.Mock.RefreshTTL = "720h" // 30d
	}
	if c.Mock.LoginWindow == "" {
		c.Mock.LoginWindow = "1m"
	}
}

// DefaultRoles roles permitidos por defecto en cada panel.
func DefaultRoles(panel string) []string {
	if panel == "admin" {
		return []string{"admin"}
	}
	return []string{"user", "provider"}
}

// SetPanel cambia de panel después de Load (flag --panel). Los roles vuelven
// al default del panel nuevo y el namespace también, salvo que se haya
// configurado uno distinto al nombre del panel anterior.
func (c *Config) SetPanel(name string) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == c.Panel.Name {
		return
	}
	if c.Storage.Namespace == c.Panel.Name {
		c.Storage.Namespace = name
	}
	c.Panel.Name = name
	c.Panel.Roles = DefaultRoles(name)
}

// Validate chequea enums y duraciones.
func (c *Config) Validate() error {
	var errs []error
	switch c.App.Env {
	case "dev", "prod":
	default:
		errs = append(errs, fmt.Errorf("app.app_env: unknown env %q", c.App.Env))
	}
	switch c.Panel.Name {
	case "admin", "user":
	default:
		errs = append(errs, fmt.Errorf("panel.name: unknown panel %q", c.Panel.Name))
	}
	switch c.Storage.Driver {
	case "fs", "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	durs := map[string]string{
		"api.timeout":                    c.API.Timeout,
		"storage.session_layer_ttl":      c.Storage.SessionLayerTTL,
		"session.freshness":              c.Session.Freshness,
		"session.refresh_interval":       c.Session.RefreshInterval,
		"session.refresh_leeway":         c.Session.RefreshLeeway,
		"session.token_ttl":              c.Session.TokenTTL,
		"session.logout_timeout":         c.Session.LogoutTimeout,
		"session.coalesce_window":        c.Session.CoalesceWindow,
		"session.inactivity.timeout":     c.Session.Inactivity.Timeout,
		"session.inactivity.warn_before": c.Session.Inactivity.WarnBefore,
		"mock.access_ttl":                c.Mock.AccessTTL,
		"mock.refresh_ttl":               c.Mock.RefreshTTL,
	}
	for name, v := range durs {
		if _, err := time.ParseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Dur parsea s; si está vacío o es inválido retorna def.
func Dur(s string, def time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// IsProd indica si app_env es prod.
func (c *Config) IsProd() bool { return c.App.Env == "prod" }
