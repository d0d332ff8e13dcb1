package xid

import "github.com/google/uuid"

// New returns a prefixed, time-ordered identifier such as "ord-0192...".
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return prefix + "-" + uuid.NewString()
	}
	return prefix + "-" + id.String()
}
