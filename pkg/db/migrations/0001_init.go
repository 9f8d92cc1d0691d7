package migrations

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// FS carries the migration sources so goose can list them without a
// migrations directory on disk.
//
//go:embed *.go
var FS embed.FS

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type CacheRecord struct {
	Fingerprint   string    `gorm:"type:text;primaryKey"`
	SessionID     string    `gorm:"type:text;not null"`
	StructurePath string    `gorm:"type:text;not null;default:''"`
	Status        string    `gorm:"type:text;not null"`
	JobID         string    `gorm:"type:text;not null;default:''"`
	CreatedAt     time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt     time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type Job struct {
	ID          string         `gorm:"type:text;primaryKey"`
	Fingerprint string         `gorm:"type:text;not null;index"`
	URL         string         `gorm:"type:text;not null"`
	SessionID   string         `gorm:"type:text;not null"`
	State       string         `gorm:"type:text;not null;index"`
	Result      datatypes.JSON `gorm:"type:jsonb"`
	Error       string         `gorm:"type:text"`
	CreatedAt   time.Time      `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	StartedAt   *time.Time     `gorm:"type:timestamptz"`
	FinishedAt  *time.Time     `gorm:"type:timestamptz"`
}

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(&CacheRecord{}, &Job{})
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(&Job{}, &CacheRecord{})
}
