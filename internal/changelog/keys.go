package changelog

import "strings"

// DefaultPrefix scopes every key when no prefix is configured.
const DefaultPrefix = "changecontrol"

// Ledger record fields.
const (
	fieldID        = "id"
	fieldChecksum  = "checksum"
	fieldUser      = "user"
	fieldTimestamp = "timestamp"
	fieldSequence  = "sequence"
)

// Keys derives the store keys of one change log scope.
type Keys struct {
	Prefix string
}

func (k Keys) join(parts ...string) string {
	return strings.Join(append([]string{k.Prefix, "changelog"}, parts...), ":")
}

// Lock is the singleton lock record.
func (k Keys) Lock() string { return k.join("lock") }

// Sequence is the singleton sequence counter.
func (k Keys) Sequence() string { return k.join("sequence") }

// Change is the ledger record for id. id may be a glob pattern when the key
// is used for enumeration.
func (k Keys) Change(id string) string { return k.join("change", id) }

// ChangeID extracts the change id from a ledger key, reporting false for keys
// outside this scope.
func (k Keys) ChangeID(key string) (string, bool) {
	return strings.CutPrefix(key, k.join("change", ""))
}
