package service

import (
	"context"
	"fmt"

	"ddf_sync/internal/mapper"
)

// UpdateLookupTable fetches one lookup table and inserts the entries not stored
// yet. Stored entries are never modified. It reports false when any row did not
// carry exactly the table's fields; such rows are still inserted.
func (s *SyncService) UpdateLookupTable(ctx context.Context, feed Feed, table mapper.LookupTable) (bool, error) {
	rows, err := feed.LookupValues(ctx, table.Resource, table.Lookup)
	if err != nil {
		return false, fmt.Errorf("fetch lookup %s: %w", table.ID(), err)
	}

	clean := true
	inserted := 0
	for _, row := range rows {
		entry, complete := mapper.MapLookupRow(table, row)
		if !complete {
			clean = false
			s.logger.Warn("lookup row does not match expected fields",
				"resource", table.Resource,
				"lookup", table.Lookup,
				"entry_id", entry.EntryID,
				"short_value", entry.ShortValue,
				"fields", len(row),
				"expected", len(table.Fields),
			)
		}

		if entry.EntryID == "" || mapper.IsInactiveEntry(entry.EntryID) {
			continue
		}

		exists, err := s.lookups.Exists(ctx, entry.Resource, entry.Lookup, entry.EntryID)
		if err != nil {
			return false, fmt.Errorf("check lookup entry %s/%s: %w", table.ID(), entry.EntryID, err)
		}
		if exists {
			continue
		}

		if err := s.lookups.Insert(ctx, &entry); err != nil {
			return false, fmt.Errorf("insert lookup entry %s/%s: %w", table.ID(), entry.EntryID, err)
		}
		inserted++
	}

	s.logger.Debug("lookup table updated",
		"table", table.ID(),
		"rows", len(rows),
		"inserted", inserted,
		"clean", clean,
	)

	return clean, nil
}

func (s *SyncService) updateMetadata(ctx context.Context, feed Feed) bool {
	clean := true
	for _, table := range s.tables {
		ok, err := s.UpdateLookupTable(ctx, feed, table)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			s.logger.Error("lookup table update failed", "table", table.ID(), "error", err)
			clean = false
			continue
		}
		if !ok {
			s.logger.Error("lookup table did not update cleanly, needs manual review", "table", table.ID())
			clean = false
		}
	}
	return clean
}
