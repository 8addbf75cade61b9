package types

import "time"

// UserProfile es el perfil cacheado junto al token.
type UserProfile struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName,omitempty"`
	Role     Role   `json:"role"`
}

// Valid retorna true si el perfil identifica a alguien (id o email) y su rol es conocido.
func (u UserProfile) Valid() bool {
	return (u.ID != "" || u.Email != "") && u.Role.IsValid()
}

// CredentialRecord agrupa access token + perfil. AccessToken y User siempre
// se escriben juntos.
type CredentialRecord struct {
	AccessToken  string
	RefreshToken string
	User         UserProfile
	IssuedAt     time.Time
}

// HasRefreshToken indica si el record permite un refresh.
func (r *CredentialRecord) HasRefreshToken() bool {
	return r != nil && r.RefreshToken != ""
}

// Source indica de dónde salió un resultado de autenticación.
type Source string

const (
	SourceMemory  Source = "memory"
	SourceStorage Source = "storage"
	SourceNetwork Source = "network"
)
