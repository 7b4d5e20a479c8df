// Package evidence records an immutable audit trail of budget decisions.
//
// Every settlement produces a Record carrying the usage, the priced billing
// breakdown, the price table version and a hash of the usage ledger entry it
// mirrors. Holds for reconciliation, rejections and releases are recorded
// too, so an operator can reconstruct why an agent's budget moved.
//
// # Layers
//
//  1. recorder: an asynchronous Sink. Emit enqueues and returns; a single
//     worker writes to storage and drains the queue on Close.
//  2. storage: SQLite (WAL mode) and in-memory backends behind Storage.
//  3. query, export, retention: validation, JSON/CSV export and scheduled
//     pruning by age or record count.
//
// # Basic Usage
//
//	store, err := storage.NewSQLiteStorage(&storage.SQLiteConfig{Path: "data/evidence.db"})
//	if err != nil {
//	    return err
//	}
//	rec := recorder.New(store, recorder.ConfigFromEvidence(&cfg.Evidence))
//	defer rec.Close()
//
//	// settlement.Settler emits through rec
//	records, err := store.Query(ctx, &evidence.Query{AgentID: id, Kind: evidence.KindSettlement})
//
// Evidence is best effort by contract: a failed write is logged and counted,
// and never undoes or blocks the ledger transaction it describes.
package evidence
