package db

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// TokenCredential is one named, encrypted token record.
// Several clients share credentials by using the same Name.
type TokenCredential struct {
	Name                 string    `gorm:"primaryKey;type:text" json:"name"`
	EncryptedCredentials string    `gorm:"type:text;not null" json:"-"`
	KeyVersion           int       `gorm:"not null;default:1" json:"key_version"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func (TokenCredential) TableName() string { return "opencollective_tokens" }

// Open connects to PostgreSQL through pgx and wraps the pool in gorm.
// The DSN is parsed up front so configuration mistakes fail before dialing.
func Open(dsn string) (*gorm.DB, error) {
	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse database dsn")
	}
	sqlDB := stdlib.OpenDB(*connConfig)

	database, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	if err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "open database")
	}
	return database, nil
}

// Migrate creates the token table if needed.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(&TokenCredential{}); err != nil {
		return errors.Wrap(err, "migrate token table")
	}
	return nil
}
