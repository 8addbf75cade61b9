package store

// Keys son los nombres de las claves de sesión en el backend. Se borran juntas.
type Keys struct {
	AccessToken  string
	RefreshToken string
	User         string
	LastLogin    string
}

// DefaultKeys construye las claves con un prefijo (ej: "admin_", "campus_").
func DefaultKeys(prefix string) Keys {
	return Keys{
		AccessToken:  prefix + "access_token",
		RefreshToken: prefix + "refresh_token",
		User:         prefix + "user",
		LastLogin:    prefix + "last_login",
	}
}

// All retorna las cuatro claves.
func (k Keys) All() []string {
	return []string{k.AccessToken, k.RefreshToken, k.User, k.LastLogin}
}

// Has indica si key pertenece a la sesión.
func (k Keys) Has(key string) bool {
	switch key {
	case k.AccessToken, k.RefreshToken, k.User, k.LastLogin:
		return true
	}
	return false
}

// IsIdentity indica si key es una de las claves sin las cuales no hay sesión
// (access token o perfil). Su borrado implica logout inmediato.
func (k Keys) IsIdentity(key string) bool {
	return key == k.AccessToken || key == k.User
}
