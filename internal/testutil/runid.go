package testutil

// FixedRunID is a run id generator that always yields the same id, so
// reports and log lines are reproducible.
//
// The empty FixedRunID yields "test-run-default".
type FixedRunID string

// Generate returns the fixed id.
func (f FixedRunID) Generate() string {
	if f == "" {
		return "test-run-default"
	}
	return string(f)
}
