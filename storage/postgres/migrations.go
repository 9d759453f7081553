package postgres

import "embed"

// Migrations holds the goose SQL migrations for every broker table. Apply
// them at startup with pg.Migrate(ctx, pool, postgres.Migrations,
// "migrations", cfg, logger).
//
//go:embed migrations/*.sql
var Migrations embed.FS
