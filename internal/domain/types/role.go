// Package types define tipos de dominio compartidos entre paquetes.
package types

import "strings"

// Role es el rol de la cuenta dentro del marketplace.
type Role string

const (
	// RoleAdmin opera el panel de administración (usuarios, moderación, canjes).
	RoleAdmin Role = "admin"
	// RoleUser es un estudiante que consume servicios.
	RoleUser Role = "user"
	// RoleProvider publica servicios (comedores, alquileres, lavandería).
	RoleProvider Role = "provider"
)

// IsValid retorna true si el rol pertenece al conjunto cerrado conocido.
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleUser, RoleProvider:
		return true
	}
	return false
}

// ParseRole normaliza un string (trim + lower) a Role. No valida.
func ParseRole(s string) Role {
	return Role(strings.ToLower(strings.TrimSpace(s)))
}

// RoleSet es el conjunto de roles que un panel acepta.
// Un set vacío acepta cualquier rol válido.
type RoleSet []Role

// Allows indica si el rol es válido y está permitido por el set.
func (s RoleSet) Allows(r Role) bool {
	if !r.IsValid() {
		return false
	}
	if len(s) == 0 {
		return true
	}
	for _, allowed := range s {
		if allowed == r {
			return true
		}
	}
	return false
}

// ParseRoleSet convierte una lista de strings en RoleSet, descartando entradas vacías.
func ParseRoleSet(in []string) RoleSet {
	out := make(RoleSet, 0, len(in))
	for _, s := range in {
		if r := ParseRole(s); r != "" {
			out = append(out, r)
		}
	}
	return out
}
