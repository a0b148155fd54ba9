package backfill

import (
	"time"

	"github.com/MikeSquared-Agency/aperture/internal/extractor"
)

const (
	defaultChunkTurns = 20
	defaultTimeGap    = 10 * time.Minute
)

// Chunk splits a history into sessions. A new chunk starts when the gap
// between two timestamped turns exceeds gap or the current chunk holds
// maxTurns turns.
func Chunk(turns []extractor.Turn, maxTurns int, gap time.Duration) [][]extractor.Turn {
	if len(turns) == 0 {
		return nil
	}
	if maxTurns <= 0 {
		maxTurns = defaultChunkTurns
	}
	if gap <= 0 {
		gap = defaultTimeGap
	}

	var chunks [][]extractor.Turn
	var current []extractor.Turn
	flush := func() {
		chunks = append(chunks, current)
		current = nil
	}

	for _, t := range turns {
		if n := len(current); n > 0 {
			prev := current[n-1].Timestamp
			if !prev.IsZero() && !t.Timestamp.IsZero() && t.Timestamp.Sub(prev) > gap {
				flush()
			}
		}
		if len(current) >= maxTurns {
			flush()
		}
		current = append(current, t)
	}
	if len(current) > 0 {
		flush()
	}
	return chunks
}
