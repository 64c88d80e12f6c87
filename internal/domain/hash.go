package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ContentHash returns the hex-encoded SHA-256 of v's canonical JSON
// encoding. Shared by Letter.SHA256 (final letter content) and
// AuditLog.BeforeHash/AfterHash (entity state snapshots) so both hashing
// paths agree on one definition of "canonical".
func ContentHash(v any) (string, error) {
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
