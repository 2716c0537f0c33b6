package db

import (
	"gorm.io/gorm"

	"github.com/terralith/geoetl-backend/internal/broker"
	"github.com/terralith/geoetl-backend/internal/domain"
	"github.com/terralith/geoetl-backend/internal/tasks"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Job{},
		&domain.Task{},
		&domain.StageGuard{},
		&broker.QueueMessage{},
		&tasks.STACItem{},
	)
}
