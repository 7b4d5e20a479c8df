package recorder

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"cynsta/spendguard/pkg/ledger"
)

// HashEntry returns the hex SHA-256 of the entry's JSON encoding. The
// encoding is deterministic for a given entry, so a stored hash can be
// recomputed from the usage ledger to check the two still agree.
func HashEntry(e *ledger.Entry) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyEntry reports whether hash matches e.
func VerifyEntry(e *ledger.Entry, hash string) bool {
	got, err := HashEntry(e)
	return err == nil && hash != "" && got == hash
}
