package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/atlasdesk/mailroom/internal/repository"
)

func createQueueJobs() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_queue_jobs",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.QueueJobModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_queue_jobs_incomplete ON queue_jobs (enqueued_at) WHERE state IN ('waiting', 'delayed', 'active')`,
				`CREATE INDEX IF NOT EXISTS idx_queue_jobs_message_id ON queue_jobs (message_id)`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.QueueJobModel{})
		},
	}
}
