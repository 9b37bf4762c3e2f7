package changelog

import (
	"fmt"
	"strconv"
	"time"
)

// Entry records that a change was applied (or synchronised).
type Entry struct {
	ID        string    `json:"id"`
	Checksum  string    `json:"checksum"`
	User      string    `json:"user"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  int64     `json:"sequence"`
}

func (e Entry) fields() map[string]string {
	return map[string]string{
		fieldID:        e.ID,
		fieldChecksum:  e.Checksum,
		fieldUser:      e.User,
		fieldTimestamp: e.Timestamp.UTC().Format(time.RFC3339),
		fieldSequence:  strconv.FormatInt(e.Sequence, 10),
	}
}

// parseEntry decodes a ledger record. Records written by older tools may
// carry a timestamp that is not RFC 3339; those keep a zero Timestamp rather
// than failing the whole dump.
func parseEntry(id string, fields map[string]string) (Entry, error) {
	e := Entry{
		ID:       id,
		Checksum: fields[fieldChecksum],
		User:     fields[fieldUser],
	}
	if v := fields[fieldID]; v != "" {
		e.ID = v
	}
	if v := fields[fieldTimestamp]; v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			e.Timestamp = ts
		}
	}
	if v := fields[fieldSequence]; v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Entry{}, fmt.Errorf("change %s: invalid sequence %q: %w", id, v, err)
		}
		e.Sequence = seq
	}
	return e, nil
}
