package worker

import (
	"fmt"

	"github.com/google/uuid"
)

// StimulusGenerator produces stimulus IDs for locally originated events
// (ticks, pause/unpause, injected data). Implemented by UUIDv7Generator
// in production and by testutil.FixedStimulusGenerator in tests.
type StimulusGenerator interface {
	Generate(prefix string) string
}

// UUIDv7Generator generates time-sortable stimulus IDs.
//
// UUIDv7 embeds a timestamp in the most significant bits, so IDs sort by
// creation time, which makes story logs easy to read alongside traces.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns "<prefix>-<uuidv7>". The prefix names the origin of
// the stimulus ("find-missing", "update-data", "pause").
//
// Panics if UUID generation fails, which does not happen in practice.
func (g UUIDv7Generator) Generate(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.Must(uuid.NewV7()).String())
}
