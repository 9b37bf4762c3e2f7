package change

import "github.com/google/uuid"

// RunIDGenerator creates the id that tags one change set run in logs and
// reports.
type RunIDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-ordered UUIDv7 run ids.
type UUIDv7Generator struct{}

// Generate returns a new UUIDv7 string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
