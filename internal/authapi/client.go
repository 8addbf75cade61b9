// Package authapi es el cliente del Auth API del backend: login, refresh y
// logout. Normaliza cada fallo en ErrRejected (el backend dijo que no) o
// ErrUnavailable (no se pudo saber); el resto del sistema decide en base a eso.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dropDatabas3/campusauth/internal/domain/types"
	"github.com/dropDatabas3/campusauth/internal/httperr"
)

var (
	// ErrRejected: el backend rechazó las credenciales o el refresh token (4xx).
	ErrRejected = errors.New("authapi: rejected")

	// ErrUnavailable: error de red, 5xx, 404/408/425/429 o respuesta ilegible. Transitorio.
	ErrUnavailable = errors.New("authapi: unavailable")
)

// TokenResponse es la respuesta de /login y /refresh.
type TokenResponse struct {
	Token        string            `json:"token"`
	RefreshToken string            `json:"refreshToken,omitempty"`
	User         types.UserProfile `json:"user"`
}

// Client es el contrato que consume el Token Lifecycle Service.
type Client interface {
	Login(ctx context.Context, email, password string) (*TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
	// Logout es best-effort; los callers ignoran el error.
	Logout(ctx context.Context, accessToken, refreshToken string) error
}

// HTTPClient implementa Client contra un backend HTTP/JSON.
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

// New crea un HTTPClient con timeout.
func New(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (c *HTTPClient) Login(ctx context.Context, email, password string) (*TokenResponse, error) {
	var out TokenResponse
	if err := c.post(ctx, "/login", "", loginRequest{Email: email, Password: password}, &out); err != nil {
		return nil, err
	}
	if err := validate(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	var out TokenResponse
	if err := c.post(ctx, "/refresh", "", refreshRequest{RefreshToken: refreshToken}, &out); err != nil {
		return nil, err
	}
	if err := validate(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Logout(ctx context.Context, accessToken, refreshToken string) error {
	return c.post(ctx, "/logout", accessToken, refreshRequest{RefreshToken: refreshToken}, nil)
}

func validate(r *TokenResponse) error {
	r.User.Role = types.ParseRole(string(r.User.Role))
	if r.Token == "" || !r.User.Valid() {
		return fmt.Errorf("%w: response without token or valid user", ErrUnavailable)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path, bearer string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %w", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode/100 == 2:
		if out == nil || len(b) == 0 {
			return nil
		}
		if err := json.Unmarshal(b, out); err != nil {
			return fmt.Errorf("%w: decode %s: %w", ErrUnavailable, path, err)
		}
		return nil
	case rejects(resp.StatusCode):
		return fmt.Errorf("%w: %w", ErrRejected, httperr.Decode(resp.StatusCode, b))
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, httperr.Decode(resp.StatusCode, b))
	}
}

// rejects indica si el backend rechazó la operación. Timeouts, throttling y
// rutas inexistentes (base URL mal configurada) no dicen nada de las
// credenciales: cuentan como no disponible.
func rejects(code int) bool {
	switch code {
	case http.StatusNotFound, http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return code >= 400 && code < 500
}
