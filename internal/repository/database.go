package repository

import (
	"fmt"

	"github.com/alpinesboltltd/ticketflow/internal/entity"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// InitDB opens a production Postgres connection and runs auto-migration
// for every entity the engine owns.
func InitDB(databaseURL string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&entity.DirectoryUser{},
		&entity.WorkflowTemplate{},
		&entity.WorkflowVersion{},
		&entity.Ticket{},
		&entity.TicketStep{},
		&entity.ApprovalTask{},
		&entity.Assignment{},
		&entity.InfoRequest{},
		&entity.NotificationOutbox{},
		&entity.AuditEvent{},
	)
}
