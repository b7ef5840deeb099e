// Package storage persists the history of finished downloads.
//
// Drivers:
//   - "file": one JSON document, rewritten through a temp file and rename
//   - "sqlite": SQLite database (modernc.org/sqlite, pure Go)
//
// An empty driver or "none" disables history; Open then returns (nil, nil).
package storage
