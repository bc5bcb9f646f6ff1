package types

import (
	"errors"
	"fmt"
)

// OpenChunkLastVersion marks a chunk that is still accepting appends.
const OpenChunkLastVersion int64 = -1

// StreamChunkSettings controls whether and how a stream is subdivided.
type StreamChunkSettings struct {
	EnableChunks bool  `json:"enableChunks"`
	ChunkSize    int64 `json:"chunkSize"`
}

// StreamChunk is one contiguous slice of a stream. LastVersion is -1 while
// the chunk is open; only the final chunk may be open.
type StreamChunk struct {
	ChunkID      int   `json:"chunkId"`
	FirstVersion int64 `json:"firstVersion"`
	LastVersion  int64 `json:"lastVersion"`
}

// IsOpen reports whether the chunk still accepts appends.
func (c StreamChunk) IsOpen() bool {
	return c.LastVersion == OpenChunkLastVersion
}

// Contains reports whether version v falls inside the chunk.
func (c StreamChunk) Contains(v int64) bool {
	if v < c.FirstVersion {
		return false
	}
	return c.IsOpen() || v <= c.LastVersion
}

var errChunkLayout = errors.New("invalid chunk layout")

// ValidateChunks checks the layout invariants: contiguous, non-overlapping,
// strictly increasing firstVersion, at most one open chunk and it is the
// last one.
func ValidateChunks(chunks []StreamChunk) error {
	for i, c := range chunks {
		if c.FirstVersion < 0 {
			return fmt.Errorf("%w: chunk %d has firstVersion %d", errChunkLayout, c.ChunkID, c.FirstVersion)
		}
		if !c.IsOpen() && c.LastVersion < c.FirstVersion {
			return fmt.Errorf("%w: chunk %d is inverted (%d..%d)", errChunkLayout, c.ChunkID, c.FirstVersion, c.LastVersion)
		}
		if c.IsOpen() && i != len(chunks)-1 {
			return fmt.Errorf("%w: open chunk %d is not last", errChunkLayout, c.ChunkID)
		}
		if i == 0 {
			if c.FirstVersion != 0 {
				return fmt.Errorf("%w: first chunk starts at %d", errChunkLayout, c.FirstVersion)
			}
			continue
		}
		prev := chunks[i-1]
		if c.FirstVersion != prev.LastVersion+1 {
			return fmt.Errorf("%w: gap between chunk %d (ends %d) and chunk %d (starts %d)",
				errChunkLayout, prev.ChunkID, prev.LastVersion, c.ChunkID, c.FirstVersion)
		}
	}
	return nil
}

// ChunkForVersion returns the chunk containing version v, or false when the
// layout has no such chunk.
func ChunkForVersion(chunks []StreamChunk, v int64) (StreamChunk, bool) {
	for _, c := range chunks {
		if c.Contains(v) {
			return c, true
		}
	}
	return StreamChunk{}, false
}

// ChunksInRange returns the chunks overlapping [start, until], in order.
func ChunksInRange(chunks []StreamChunk, start, until int64) []StreamChunk {
	var out []StreamChunk
	for _, c := range chunks {
		if !c.IsOpen() && c.LastVersion < start {
			continue
		}
		if c.FirstVersion > until {
			break
		}
		out = append(out, c)
	}
	return out
}

// ChunkAssignment routes one run of consecutive versions to a chunk.
type ChunkAssignment struct {
	Chunk StreamChunk
	First int64 // first event version of the run
	Count int   // number of events in the run
}

// PlanAppend assigns n new events starting at firstVersion to chunks,
// rolling the layout as needed: when placing an event would exceed
// ChunkSize for the open chunk, the open chunk is closed and a new one
// opened at that event's version. The stream's StreamChunks are updated in
// place. With chunking disabled the single implicit chunk 0 is used and no
// layout is recorded.
func PlanAppend(si *StreamInformation, firstVersion int64, n int) ([]ChunkAssignment, error) {
	if n <= 0 {
		return nil, nil
	}
	if !si.ChunkSettings.EnableChunks {
		return []ChunkAssignment{{
			Chunk: StreamChunk{ChunkID: 0, FirstVersion: 0, LastVersion: OpenChunkLastVersion},
			First: firstVersion,
			Count: n,
		}}, nil
	}
	if si.ChunkSettings.ChunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunking enabled with size %d", errChunkLayout, si.ChunkSettings.ChunkSize)
	}
	if err := ValidateChunks(si.StreamChunks); err != nil {
		return nil, err
	}
	if len(si.StreamChunks) == 0 {
		si.StreamChunks = []StreamChunk{{ChunkID: 0, FirstVersion: 0, LastVersion: OpenChunkLastVersion}}
	}

	size := si.ChunkSettings.ChunkSize
	var plan []ChunkAssignment
	v := firstVersion
	remaining := int64(n)
	for remaining > 0 {
		open := &si.StreamChunks[len(si.StreamChunks)-1]
		if !open.IsOpen() {
			return nil, fmt.Errorf("%w: no open chunk", errChunkLayout)
		}
		capacity := open.FirstVersion + size - v
		if capacity <= 0 {
			// Roll: close the open chunk at the last written version and
			// open the next one at v.
			open.LastVersion = v - 1
			si.StreamChunks = append(si.StreamChunks, StreamChunk{
				ChunkID:      open.ChunkID + 1,
				FirstVersion: v,
				LastVersion:  OpenChunkLastVersion,
			})
			continue
		}
		take := capacity
		if take > remaining {
			take = remaining
		}
		plan = append(plan, ChunkAssignment{
			Chunk: si.StreamChunks[len(si.StreamChunks)-1],
			First: v,
			Count: int(take),
		})
		v += take
		remaining -= take
	}
	return plan, nil
}
