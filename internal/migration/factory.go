package migration

import (
	"fmt"

	"github.com/BaSui01/roundtable/config"
)

// NewMigratorFromConfig builds a migrator for the configured database.
func NewMigratorFromConfig(cfg config.DatabaseConfig) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(cfg.Driver)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  URLFor(dbType, cfg),
		TableName:    defaultTable,
	})
}

// URLFor renders the connection string golang-migrate expects for dbType.
func URLFor(dbType DatabaseType, cfg config.DatabaseConfig) string {
	switch dbType {
	case DatabaseTypePostgres:
		ssl := cfg.SSLMode
		if ssl == "" {
			ssl = "disable"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name, ssl)
	case DatabaseTypeMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
	case DatabaseTypeSQLite:
		return fmt.Sprintf("file:%s?mode=rwc&_foreign_keys=on", cfg.Path)
	}
	return ""
}
