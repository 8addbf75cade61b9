package logger

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// CAMPOS ESTÁNDAR - SISTEMA
// =================================================================================

// Component crea un campo para el componente/módulo.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Op crea un campo para la operación actual.
func Op(v string) zap.Field {
	return zap.String("op", v)
}

// Layer crea un campo para la capa (store, service, sync, policy).
func Layer(v string) zap.Field {
	return zap.String("layer", v)
}

// Err crea un campo para un error.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// Duration crea un campo para una duración.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - SESIÓN
// =================================================================================

// Panel crea un campo con el nombre del panel (admin | user).
func Panel(v string) zap.Field {
	return zap.String("panel", v)
}

// InstanceID identifica la instancia (pestaña/proceso) que emite el log.
func InstanceID(v string) zap.Field {
	return zap.String("instance_id", v)
}

// UserID crea un campo para el ID del usuario.
func UserID(v string) zap.Field {
	return zap.String("user_id", v)
}

// Email crea un campo con el email enmascarado (a…@c…com).
func Email(v string) zap.Field {
	return zap.String("email", MaskEmail(v))
}

// Role crea un campo para el rol del usuario.
func Role(v string) zap.Field {
	return zap.String("role", v)
}

// Source indica de dónde salió un resultado (memory, storage, network).
func Source(v string) zap.Field {
	return zap.String("source", v)
}

// Reason crea un campo para el motivo de un fallo o logout.
func Reason(v string) zap.Field {
	return zap.String("reason", v)
}

// Variant crea un campo para la variante de logout.
func Variant(v string) zap.Field {
	return zap.String("variant", v)
}

// Key crea un campo genérico para una clave de storage.
func Key(v string) zap.Field {
	return zap.String("key", v)
}

// Fingerprint loguea un hash corto del token, nunca el token.
func Fingerprint(token string) zap.Field {
	if token == "" {
		return zap.String("token_fp", "")
	}
	sum := sha256.Sum256([]byte(token))
	return zap.String("token_fp", hex.EncodeToString(sum[:6]))
}

// =================================================================================
// CAMPOS ESTÁNDAR - DATOS
// =================================================================================

// Count crea un campo para un conteo.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}

// String crea un campo string genérico.
func String(key, v string) zap.Field {
	return zap.String(key, v)
}

// Bool crea un campo bool genérico.
func Bool(key string, v bool) zap.Field {
	return zap.Bool(key, v)
}

// MaskEmail deja la primera letra del usuario y del dominio.
func MaskEmail(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	i := strings.IndexByte(s, '@')
	if i <= 0 {
		if s == "" {
			return ""
		}
		if len(s) <= 3 {
			return "***"
		}
		return s[:1] + "…" + s[len(s)-1:]
	}
	user, dom := s[:i], s[i+1:]
	if len(user) > 1 {
		user = user[:1] + "…"
	}
	dparts := strings.Split(dom, ".")
	if len(dparts) > 0 && len(dparts[0]) > 1 {
		dparts[0] = dparts[0][:1] + "…"
	}
	return user + "@" + strings.Join(dparts, ".")
}
