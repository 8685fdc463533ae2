// Package report builds read-only run reports from the envelopes the runtime
// delivers.
//
// A Projection is attached as a runtime delivery tap. Envelopes are handed
// over through a bounded buffer and folded on a separate goroutine, so a slow
// or stalled projection never holds up agent delivery; when the buffer is full
// envelopes are dropped and counted instead.
//
//	proj := report.NewProjection()
//	rt.OnDeliver(proj.Observe)
//	go proj.Run(ctx)
//
//	rep, ok := proj.Get(runID)
package report
