// Package database provides SQLite connectivity for the panel core.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Schema migrations read from an fs.FS (see the migrations package)
//   - Connection lifecycle and health checks
//
// The only data kept is the user's last RGB slider values; telemetry stays in
// memory.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
//
// Each migration has an .up.sql and a .down.sql file. Migrations are
// additive: new columns must be NULLABLE or carry a DEFAULT.
package database
