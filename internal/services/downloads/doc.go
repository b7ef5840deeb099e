// Package downloads is the application-facing download service.
//
// It sits between the control surfaces (HTTP API, Telegram commands) and the
// core scheduler in internal/fetch:
//
//   - Submissions are completed with the configured defaults (output dir,
//     proxy, per-title folder, thumbnails) and the cookies file that matches
//     the URL's domain.
//   - Finished tasks are recorded into the history store by HistorySink,
//     which runs as a notify sink.
//   - The history is pruned to a bounded size on a cron schedule.
//
// Defaults are swapped atomically on config reload; tasks already submitted
// keep the spec they were admitted with.
package downloads
