package relay

import (
	"context"
	"time"
)

// CompactionResult summarises one room compaction for the API.
type CompactionResult struct {
	Room       string `json:"room"`
	Tombstones int    `json:"tombstones_purged"`
	Orphans    int    `json:"orphans_purged"`
	Aliases    int    `json:"aliases_purged"`
	Buckets    int    `json:"buckets_pruned"`
	LogBefore  int    `json:"log_before"`
	LogAfter   int    `json:"log_after"`
}

// CompactRoom garbage-collects a room's document and collapses its persisted
// log to a single full-state record. Only resident rooms are compacted; a
// room with no live document has nothing to garbage-collect safely.
func (s *Server) CompactRoom(room *Room) CompactionResult {
	now := time.Now()
	res := CompactionResult{
		Room:      room.Name,
		LogBefore: s.store.LogLength(room.Name),
	}
	res.Tombstones = room.doc.PurgeTombstones(s.cfg.TombstoneMaxAge, now)
	res.Orphans = room.doc.PurgeOrphanUUIDs()
	res.Aliases = room.doc.PurgeAliases(s.cfg.TombstoneMaxAge, now)
	res.Buckets = room.doc.PruneEmptyBuckets()

	if err := s.store.ReplaceWithState(room.Name, room.doc.EncodeState()); err != nil {
		log.WithError(err).WithField("room", room.Name).Error("compaction write failed")
		return res
	}
	res.LogAfter = s.store.LogLength(room.Name)
	compactionsTotal.Inc()
	room.record(Event{Time: now, Kind: "compaction", Conns: room.Conns()})
	log.WithFields(map[string]any{
		"room":       room.Name,
		"tombstones": res.Tombstones,
		"log_before": res.LogBefore,
		"log_after":  res.LogAfter,
	}).Info("room compacted")
	return res
}

// RunCompaction sweeps all resident rooms on the configured interval until
// ctx is cancelled.
func (s *Server) RunCompaction(ctx context.Context) {
	if s.cfg.CompactionInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.CompactionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range s.reg.Live() {
				if room, ok := s.reg.Peek(name); ok {
					s.CompactRoom(room)
				}
			}
		}
	}
}
