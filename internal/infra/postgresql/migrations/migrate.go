package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/atlasdesk/mailroom/internal/repository"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "000001_create_messages",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.MessageModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE INDEX IF NOT EXISTS idx_messages_status_category_created ON messages (status, category, created_at)`,
					`CREATE INDEX IF NOT EXISTS idx_messages_user_id ON messages (user_id) WHERE user_id IS NOT NULL`,
					`CREATE INDEX IF NOT EXISTS idx_messages_retryable ON messages (failed_at) WHERE status = 'FAILED'`,
					`CREATE INDEX IF NOT EXISTS idx_messages_sent_retention ON messages (sent_at) WHERE status = 'SENT'`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.MessageModel{})
			},
		},
		createQueueJobs(),
	})

	return m.Migrate()
}
