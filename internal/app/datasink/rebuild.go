package datasink

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/todo-1m/eventsourcing/internal/contracts"
	"github.com/todo-1m/eventsourcing/internal/eventlog"
)

const rebuildPageSize = 200

// Scanner reads the event log in global append order.
type Scanner interface {
	Scan(ctx context.Context, afterPosition int64, limit int) ([]eventlog.Entry, error)
}

// Rebuild replays the whole log through the projector. Events the read
// model already holds are skipped by the cursor check, so running it over
// a populated read model only fills in what is missing.
func (s *Service) Rebuild(ctx context.Context, scanner Scanner) (int, error) {
	var (
		position int64
		applied  int
	)
	for {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		page, err := scanner.Scan(ctx, position, rebuildPageSize)
		if err != nil {
			return applied, fmt.Errorf("scan after %d: %w", position, err)
		}
		if len(page) == 0 {
			break
		}
		for _, entry := range page {
			if err := s.OnEvents(ctx, []contracts.Event{entry.Event}); err != nil {
				return applied, fmt.Errorf("replay position %d: %w", entry.Position, err)
			}
			applied++
			position = entry.Position
		}
	}
	log.WithField("events", applied).Info("read model rebuild complete")
	return applied, nil
}
