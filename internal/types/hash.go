package types

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"
)

// hashSep separates the parts fed to Hash so adjacent free-form fields
// cannot shift into each other.
const hashSep = "|"

// Hash returns the hex SHA3-256 of parts joined by "|".
func Hash(parts ...string) string {
	sum := sha3.Sum256([]byte(strings.Join(parts, hashSep)))
	return hex.EncodeToString(sum[:])
}

// WalletValue maps a wallet identifier to an unsigned integer: the first
// eight bytes of its SHA3-256, big endian.
func WalletValue(wallet string) uint64 {
	sum := sha3.Sum256([]byte(wallet))
	return binary.BigEndian.Uint64(sum[:8])
}

// Prefix returns at most n leading characters of a digest.
func Prefix(digest string, n int) string {
	if len(digest) <= n {
		return digest
	}
	return digest[:n]
}
