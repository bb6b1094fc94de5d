// Package db owns the GORM database connection and the project store the
// orchestrator persists through.
package db

import (
	"fmt"
	"time"

	"buildloft/internal/logging"
	"buildloft/pkg/models"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database wraps the GORM database instance.
type Database struct {
	DB *gorm.DB
}

// New opens a database connection. A non-empty databaseURL selects
// PostgreSQL; otherwise a local SQLite file at sqlitePath is used.
func New(databaseURL, sqlitePath string) (*Database, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var (
		gdb *gorm.DB
		err error
	)
	if databaseURL != "" {
		gdb, err = gorm.Open(postgres.Open(databaseURL), gormConfig)
	} else {
		gdb, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if databaseURL != "" {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	} else {
		// SQLite allows one writer; serialize through a single connection.
		sqlDB.SetMaxOpenConns(1)
	}

	database := &Database{DB: gdb}
	if err := database.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logging.L().Info("database connected", zap.Bool("postgres", databaseURL != ""))
	return database, nil
}

// NewForTest opens an in-memory SQLite database with migrations applied.
func NewForTest() (*Database, error) {
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	// Every pooled connection to :memory: would get its own database, so
	// pin the pool to one connection.
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	database := &Database{DB: gdb}
	if err := database.Migrate(); err != nil {
		return nil, err
	}
	return database, nil
}

// Migrate runs schema migrations for all orchestrator models.
func (d *Database) Migrate() error {
	err := d.DB.AutoMigrate(
		&models.BuildProject{},
		&models.BuildLogEntry{},
		&models.InteractiveSession{},
	)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Health checks database connectivity.
func (d *Database) Health() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
