// Package database provides the SQLite store behind regsup's run history.
//
// Open configures WAL mode and a busy timeout from the database section of
// the configuration. Schema changes are plain SQL files applied by Migrate
// from any fs.FS; the binary embeds its own set from the migrations package:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns must be NULLABLE or carry a DEFAULT,
// and every .up.sql has a matching .down.sql.
package database
