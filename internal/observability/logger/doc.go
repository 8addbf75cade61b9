// Package logger provee el logger Zap del proceso con scoping por contexto.
//
// # Decisiones
//
//   - Singleton: una sola instancia global inicializada con Init() desde main.
//   - Context Scoping: cada operación puede propagar un logger "scoped" con
//     campos adicionales (panel, instance_id, op) sin crear un nuevo core.
//   - Entornos: "dev" usa consola con colores, "prod" usa JSON.
//   - Nunca se loguean tokens: usar Fingerprint(token) en su lugar.
//
// # Uso
//
// Inicialización (una vez en main.go):
//
//	logger.Init(logger.Config{
//	    Env:   cfg.Log.Env,   // "dev" o "prod"
//	    Level: cfg.Log.Level, // "debug", "info", "warn", "error"
//	})
//	defer logger.Sync()
//
// En servicios (con contexto):
//
//	log := logger.From(ctx).With(logger.Component("session"), logger.Op("Refresh"))
//	log.Warn("refresh failed, keeping tokens", logger.Err(err))
package logger
