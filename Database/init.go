package database

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"

	"kitch-ingest/Database/schema"
	"kitch-ingest/configs"
)

var dbInstance *sql.DB
var dbInstanceError error
var dbOnce sync.Once

// GetPostgresDB opens the database with the configured driver ("postgres"
// for lib/pq, "pgx" for pgx) and creates the tables on first use.
func GetPostgresDB(config *configs.Config) (*sql.DB, error) {
	dbOnce.Do(func() {
		db, err := sql.Open(config.Database.Driver, config.GetDatabaseURL())
		if err != nil {
			dbInstanceError = fmt.Errorf("failed to connect to PostgreSQL: %v", err)
			return
		}

		err = db.Ping()
		if err != nil {
			db.Close()
			dbInstanceError = fmt.Errorf("failed to ping PostgreSQL: %v", err)
			return
		}

		if err := schema.CreateMediaTables(db); err != nil {
			db.Close()
			dbInstanceError = fmt.Errorf("failed to create media tables: %v", err)
			return
		}

		dbInstance = db
	})
	return dbInstance, dbInstanceError
}
