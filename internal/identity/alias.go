package identity

import (
	"encoding/binary"
	"encoding/hex"
	"strconv"
)

var adjectives = [16]string{
	"Swift", "Brave", "Iron", "Shadow", "Storm", "Frost", "Solar", "Lunar",
	"Rapid", "Noble", "Silent", "Fierce", "Bright", "Deep", "Neon", "Cyber",
}

var nouns = [16]string{
	"Falcon", "Wolf", "Phoenix", "Raven", "Tiger", "Bear", "Hawk", "Fox",
	"Eagle", "Lynx", "Cobra", "Shark", "Viper", "Crane", "Orca", "Puma",
}

// Alias derives a human-readable, non-unique name from a public key. It reads
// the first four bytes as a big-endian uint32 h and concatenates
// adjectives[h%16], nouns[(h>>8)%16] and (h>>16)%100. Keys shorter than four
// bytes are zero-padded.
func Alias(pub []byte) string {
	var prefix [4]byte
	copy(prefix[:], pub)
	h := binary.BigEndian.Uint32(prefix[:])

	adj := adjectives[h%16]
	noun := nouns[(h>>8)%16]
	num := (h >> 16) % 100
	return adj + noun + strconv.FormatUint(uint64(num), 10)
}

// AliasHex is Alias for a hex-encoded key as carried in relay events.
func AliasHex(pubHex string) string {
	if len(pubHex) > 8 {
		pubHex = pubHex[:8]
	}
	b, err := hex.DecodeString(pubHex)
	if err != nil {
		return Alias(nil)
	}
	return Alias(b)
}
