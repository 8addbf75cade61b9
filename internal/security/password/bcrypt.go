package password

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// Cost por defecto. Los tests usan bcrypt.MinCost vía HashWithCost.
const Cost = bcrypt.DefaultCost

// Hash devuelve el hash bcrypt de plain.
func Hash(plain string) (string, error) {
	return HashWithCost(plain, Cost)
}

// HashWithCost es Hash con costo explícito.
func HashWithCost(plain string, cost int) (string, error) {
	if plain == "" {
		return "", errors.New("empty password")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Verify compara en tiempo constante.
func Verify(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
