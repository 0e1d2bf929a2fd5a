// Package storage opens the GORM connection fleetforge's domain stores
// share and runs the schema migration and seed-data loading that used
// to be scattered across CSV-import helpers in the teacher repo.
package storage

import (
	"fmt"
	"os"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/internet-of-plants/fleetforge/internal/pkg/domain/model"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ConnectorFunc opens a *gorm.DB, retrying internally if the target
// isn't reachable yet.
type ConnectorFunc func() (*gorm.DB, error)

// NewPostgreSQLConnector opens a connection to a postgresql database,
// configured via FLEET_FORGE_SQLDBHOST/SQLDBUSER/SQLDBNAME/SQLDBPASSWORD/SQLDBSSLMODE.
func NewPostgreSQLConnector(log zerolog.Logger) ConnectorFunc {
	dbHost := os.Getenv("FLEET_FORGE_SQLDBHOST")
	username := os.Getenv("FLEET_FORGE_SQLDBUSER")
	dbName := os.Getenv("FLEET_FORGE_SQLDBNAME")
	password := os.Getenv("FLEET_FORGE_SQLDBPASSWORD")
	sslMode := env.GetVariableOrDefault(log, "FLEET_FORGE_SQLDBSSLMODE", "require")

	dbURI := fmt.Sprintf("host=%s user=%s dbname=%s sslmode=%s password=%s", dbHost, username, dbName, sslMode, password)

	return func() (*gorm.DB, error) {
		sublogger := log.With().Str("host", dbHost).Str("database", dbName).Logger()

		var db *gorm.DB
		var err error

		for attempt := 0; attempt < 10; attempt++ {
			sublogger.Info().Msg("connecting to database host")

			db, err = gorm.Open(postgres.Open(dbURI), &gorm.Config{
				Logger: logger.New(&sublogger, logger.Config{
					SlowThreshold:             time.Second,
					LogLevel:                  logger.Warn,
					IgnoreRecordNotFoundError: true,
				}),
			})
			if err == nil {
				return db, nil
			}

			sublogger.Error().Err(err).Msg("failed to connect to database, retrying")
			time.Sleep(3 * time.Second)
		}

		return nil, fmt.Errorf("giving up connecting to database: %w", err)
	}
}

// NewSQLiteConnector opens a local, in-memory sqlite database, used
// when no Postgres host is configured. The domain package test suites
// open their own per-test in-memory sqlite databases instead.
func NewSQLiteConnector() ConnectorFunc {
	return func() (*gorm.DB, error) {
		db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}

		db.Exec("PRAGMA foreign_keys = ON")
		sqldb, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqldb.SetMaxOpenConns(1)

		return db, nil
	}
}

// Open connects and migrates every table fleetforge's domain packages
// need, in one call.
func Open(connect ConnectorFunc) (*gorm.DB, error) {
	db, err := connect()
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return db, nil
}
