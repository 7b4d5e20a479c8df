// Package ledger holds authoritative per-agent budget state and the run
// lifecycle that reserves, settles and releases funds against it.
//
// # Model
//
// Every agent owns one Budget with a hard limit, a monotonically growing
// spent total and a reserved total held against in-flight work. All amounts
// are integer currency subunits. After every reservation
//
//	spent + reserved <= hard_limit
//
// A Run wraps one upstream call and moves through
//
//	created -> reserved -> executing -> settled | released | rejected
//
// At most one run per agent is active (reserved or executing) at a time.
//
// # Concurrency
//
// Operations on one agent are serialized by a keyed lock created on demand
// per agent id, then committed through a single Store.Update transaction.
// Unrelated agents never contend. Nothing here performs network I/O to a
// provider while the lock is held: callers reserve, release the lock, call
// the provider, then settle or release.
//
// # Storage
//
// The Store interface is the persistence boundary. Implementations in the
// storage subpackage cover memory, SQLite and Redis.
package ledger
