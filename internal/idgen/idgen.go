// Package idgen generates random identifiers for wallets, transactions,
// and services.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix + 24 hex chars, e.g. WithPrefix("txn_").
// Prefixes in use: "wal_", "txn_", "svc_".
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns a random hex string of numBytes random bytes.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails when the OS entropy source is broken.
		panic("idgen: " + err.Error())
	}
	return hex.EncodeToString(b)
}
