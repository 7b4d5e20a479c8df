// Package export writes evidence records as JSON or CSV.
//
// JSON output is an array of records (pretty-printed on request). CSV output
// flattens a record into one row; usage dimensions become columns and the
// billing breakdown is embedded as JSON.
//
//	exp, err := export.New("csv")
//	if err != nil {
//	    return err
//	}
//	err = exp.Export(ctx, records, os.Stdout)
//
// Both exporters also stream from a channel, for use with
// Storage.QueryStream on large result sets.
package export
