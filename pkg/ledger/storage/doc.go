// Package storage provides ledger.Store implementations.
//
//   - MemoryStore: process-local maps, no persistence (tests, single-shot tools)
//   - SQLiteStore: embedded file database with WAL, one writer transaction per Update
//   - RedisStore: shared store for multi-instance deployments using WATCH/MULTI
//
// Each Update applies the budget row, the staged runs and the staged ledger
// entry atomically. The one-active-run rule is enforced again at this layer
// (a unique partial index in SQLite, a watched active-run key in Redis) so a
// store shared by several processes stays consistent even though the
// ledger's keyed lock is per process.
package storage
