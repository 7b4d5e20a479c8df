// Package retention prunes evidence records by age and by count.
//
// A Pruner deletes records older than RetentionDays, then trims the oldest
// records once the total exceeds MaxRecords. When ArchivePath is set the
// doomed records are first exported as JSON into that directory. A cron
// Scheduler runs the pruner on PruneSchedule.
//
//	pruner := retention.NewPruner(store, retention.ConfigFromEvidence(&cfg.Evidence))
//	if err := pruner.Start(ctx); err != nil {
//	    return err
//	}
//	defer pruner.Stop()
package retention
