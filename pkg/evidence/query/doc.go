// Package query validates evidence queries and fills their defaults before
// they reach a storage backend.
//
//	q := &evidence.Query{AgentID: id, Kind: evidence.KindSettlement}
//	query.ApplyDefaults(q)
//	if err := query.Validate(q); err != nil {
//	    return err // matches evidence.ErrInvalidQuery
//	}
package query
