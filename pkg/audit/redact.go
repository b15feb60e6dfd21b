package audit

import (
	"crypto/sha256"
	"encoding/hex"

	"researchhub/pkg/models"
)

// redactEvent replaces direct principal identifiers with salted hashes
// so the stored log cannot be joined back to a user directory, while
// CountByAction and DistinctActors keep working (equal inputs hash
// equal).
func redactEvent(evt models.AuditEvent, salt []byte) models.AuditEvent {
	if evt.Actor != "" {
		evt.Actor = hashString(evt.Actor, salt)
	}
	if evt.IPAddress != "" {
		evt.IPAddress = hashString(evt.IPAddress, salt)
	}
	return evt
}

func hashString(v string, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write([]byte(v))
	return hex.EncodeToString(h.Sum(nil))
}
