package test

import (
	"fmt"
	"math/rand/v2"
)

// RandomBytes generates a random byte slice of specified length
func RandomBytes(length int) []byte {
	b := make([]byte, length)
	for i := range b {
		b[i] = byte(rand.IntN(256))
	}
	return b
}

// RandomString generate a random string of specified length
func RandomString(length int) string {
	b := RandomBytes(length / 2)
	return fmt.Sprintf("%x", b)
}
