// Package dal importa todos los adapters de credenciales para auto-registro.
// Importar este paquete en main.go (o en panel) para habilitar todos los drivers.
//
// Uso:
//
//	import _ "github.com/dropDatabas3/campusauth/internal/store/adapters/dal"
package dal

import (
	_ "github.com/dropDatabas3/campusauth/internal/store/adapters/fs"
	_ "github.com/dropDatabas3/campusauth/internal/store/adapters/memory"
	_ "github.com/dropDatabas3/campusauth/internal/store/adapters/redis"
)
