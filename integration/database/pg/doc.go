// Package pg provides PostgreSQL connection management for the broker: a
// pgx connection pool with retry logic, goose migrations over an embedded
// filesystem, health checking, and error classification helpers.
//
// # Usage
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		log.Fatal("failed to connect to postgres:", err)
//	}
//	defer pool.Close()
//
//	if err := pg.Migrate(ctx, pool, postgres.Migrations, "migrations", cfg, logger); err != nil {
//		log.Fatal("migration failed:", err)
//	}
//
// # Transactions
//
// WithTx attaches a pgx.Tx to a context and TxFromContext retrieves it, so a
// repository can participate in a caller's transaction. The task storage uses
// this to enqueue a chain step atomically with the domain write that caused
// it: the step task only becomes visible to workers once the transaction
// commits.
//
//	tx, err := pool.Begin(ctx)
//	if err != nil {
//		return err
//	}
//	defer tx.Rollback(ctx) // Safe even after commit
//
//	ctx = pg.WithTx(ctx, tx)
//	if err := store.CreateOperation(ctx, op); err != nil {
//		return err
//	}
//	if err := runner.StartChain(ctx, op.ID); err != nil {
//		return err
//	}
//	return tx.Commit(ctx)
//
// # Error classification
//
//	pg.IsNotFoundError(err)            // pgx.ErrNoRows
//	pg.IsDuplicateKeyError(err)        // unique constraint violation
//	pg.IsForeignKeyViolationError(err) // referential integrity violation
//	pg.IsTxClosedError(err)            // closed transaction usage
package pg
