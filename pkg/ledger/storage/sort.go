package storage

import (
	"sort"

	"cynsta/spendguard/pkg/ledger"
)

func sortRunsNewestFirst(runs []ledger.Run) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
}

func sortEntriesNewestFirst(entries []ledger.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].RunID > entries[j].RunID
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
}
