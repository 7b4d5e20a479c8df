// Package storage provides evidence storage backends.
//
// SQLiteStorage is the durable backend. It opens the database in WAL mode so
// the recorder's writes do not block CLI queries. MemoryStorage keeps records
// in a map and is meant for tests and ephemeral deployments.
package storage
