package ledger

import "github.com/google/uuid"

// DefaultIDPrefix prefixes generated record ids.
const DefaultIDPrefix = "sensor"

// NewRecordID returns a fresh ledger record id of the form "<prefix>-<uuid>".
func NewRecordID(prefix string) string {
	if prefix == "" {
		prefix = DefaultIDPrefix
	}
	return prefix + "-" + uuid.NewString()
}
