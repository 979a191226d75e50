package database

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/viper"
)

// InitSQLite opens (or creates) the SQLite file configured under
// sqlite.path. Foreign keys and the busy timeout are set through the DSN,
// and the pool is restricted to one writer since SQLite serializes writes
// anyway.
func InitSQLite() (*sql.DB, error) {
	viper.SetDefault("sqlite.path", "stylepay.db")

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", viper.GetString("sqlite.path"))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)

	log.Println("SQLite database opened")
	return db, nil
}
