package migration

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/fedrun/config"
)

// NewMigratorFromDatabaseConfig builds the migrator the central service would use for cfg.
func NewMigratorFromDatabaseConfig(cfg config.DatabaseConfig, logger *zap.Logger) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}

	var url string
	switch dbType {
	case DatabaseTypePostgres:
		url = BuildDatabaseURL(dbType, cfg.Host, cfg.Port, cfg.Name, cfg.User, cfg.Password, cfg.SSLMode)
	case DatabaseTypeMySQL:
		url = BuildDatabaseURL(dbType, cfg.Host, cfg.Port, cfg.Name, cfg.User, cfg.Password, "")
	case DatabaseTypeSQLite:
		// Name is the file path
		url = BuildDatabaseURL(dbType, "", 0, cfg.Name, "", "", "")
	}

	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  url,
		TableName:    DefaultTableName,
	}, logger)
}

// NewMigratorFromURL is used by `fedrun migrate --url`.
func NewMigratorFromURL(dbType, url string, logger *zap.Logger) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{
		DatabaseType: dt,
		DatabaseURL:  url,
		TableName:    DefaultTableName,
	}, logger)
}
