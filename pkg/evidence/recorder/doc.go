// Package recorder is the asynchronous evidence Sink.
//
// Emit assigns the record an ID, enqueues it and returns. One background
// worker writes records to storage in order, so emitters never wait on disk.
// If the queue stays full for WriteTimeout the record is dropped and Emit
// returns ErrQueueFull; storage failures are logged and counted in metrics.
// Close stops intake and drains whatever is queued before returning.
//
//	rec := recorder.New(store, &recorder.Config{Enabled: true, AsyncBuffer: 1000})
//	defer rec.Close()
//
//	_ = rec.Emit(ctx, recorder.FromEntry(entry))
package recorder
