package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeSignalID computes a deterministic signal id using SHA256.
// Formula: SHA256(mint|checkpoint|created_at_ms)
// Returns hex-encoded hash (64 characters).
func ComputeSignalID(mint, checkpoint string, createdAtMs int64) string {
	data := fmt.Sprintf("%s|%s|%d", mint, checkpoint, createdAtMs)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
