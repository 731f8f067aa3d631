// Package database provides SQLite connectivity for the gateway's reading
// history.
//
// This package manages:
//   - The connection, with WAL mode for concurrent readers
//   - Schema migrations embedded in the binary (see the migrations package)
//   - Health checks used at startup and by the metrics endpoint
//
// All queries use parameterised statements. The database file is created
// with 0600 permissions.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns are nullable or carry a default, and
// every .up.sql has a matching .down.sql.
package database
