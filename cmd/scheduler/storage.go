package main

import (
	"context"
	"database/sql"
	"fmt"

	"notification_scheduler/internal/domain/agent"
	"notification_scheduler/internal/domain/agentstatus"
	"notification_scheduler/internal/domain/schedule"
	"notification_scheduler/internal/infra/config"
	idb "notification_scheduler/internal/infra/database"
	"notification_scheduler/internal/infra/memory"
)

type storage struct {
	cursors  schedule.CursorRepository
	units    schedule.NotificationRepository
	statuses agentstatus.Repository
	agents   agent.Repository
	db       *sql.DB
}

// openStorage builds the repositories for the configured driver and seeds the agent roster.
func openStorage(ctx context.Context, cfg *config.AppConfig, roster []*agent.Agent) (*storage, error) {
	if cfg.StorageDriver == config.StorageMemory {
		return &storage{
			cursors:  memory.NewCursorStore(),
			units:    memory.NewNotificationStore(),
			statuses: memory.NewStatusStore(),
			agents:   memory.NewAgentStore(roster...),
		}, nil
	}

	db, err := idb.NewPostgresConnection(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}
	agents := idb.NewPostgresAgentRepository(db)
	for _, a := range roster {
		if err := agents.Upsert(ctx, a); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to seed agent %d: %w", a.ID, err)
		}
	}
	return &storage{
		cursors:  idb.NewPostgresCursorRepository(db),
		units:    idb.NewPostgresNotificationRepository(db),
		statuses: idb.NewPostgresAgentStatusRepository(db),
		agents:   agents,
		db:       db,
	}, nil
}

func (s *storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
