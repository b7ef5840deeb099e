package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	logx "fetchd/pkg/logx"
)

func openDriver(t *testing.T, driver string) Store {
	t.Helper()
	name := "history.json"
	if driver == "sqlite" {
		name = "history.db"
	}
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), name)}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seed(t *testing.T, st Store, n int) []Record {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		r, err := st.Add(context.Background(), Record{
			TaskID:     fmt.Sprintf("task-%d", i),
			URL:        fmt.Sprintf("https://example.com/watch?v=%d", i),
			Title:      fmt.Sprintf("Clip %d", i),
			Quality:    "720p",
			Status:     StatusCompleted,
			FinishedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if r.ID == "" {
			t.Fatal("Add did not assign an id")
		}
		out = append(out, r)
	}
	return out
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Logger{})
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestStoreDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openDriver(t, driver)
			recs := seed(t, st, 6)

			got, err := st.List(ctx, 3)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(got) != 3 || got[0].ID != recs[5].ID || got[2].ID != recs[3].ID {
				t.Fatalf("List(3) not newest first: %+v", got)
			}

			hits, err := st.Search(ctx, "CLIP 2", 0)
			if err != nil || len(hits) != 1 || hits[0].ID != recs[2].ID {
				t.Fatalf("Search = %+v, %v", hits, err)
			}
			if hits, _ := st.Search(ctx, "100%", 0); len(hits) != 0 {
				t.Fatalf("wildcard leaked into search: %+v", hits)
			}

			r, err := st.Get(ctx, recs[1].ID)
			if err != nil || r.Title != "Clip 1" || !r.FinishedAt.Equal(recs[1].FinishedAt) {
				t.Fatalf("Get = %+v, %v", r, err)
			}

			if err := st.Delete(ctx, recs[1].ID); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := st.Delete(ctx, recs[1].ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second Delete err = %v", err)
			}
			if _, err := st.Get(ctx, recs[1].ID); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get deleted err = %v", err)
			}

			dropped, err := st.Prune(ctx, 2)
			if err != nil || dropped != 3 {
				t.Fatalf("Prune = %d, %v; want 3", dropped, err)
			}
			all, _ := st.List(ctx, 0)
			if len(all) != 2 || all[0].ID != recs[5].ID || all[1].ID != recs[4].ID {
				t.Fatalf("after prune = %+v", all)
			}

			n, err := st.Clear(ctx)
			if err != nil || n != 2 {
				t.Fatalf("Clear = %d, %v", n, err)
			}
			if all, _ := st.List(ctx, 0); len(all) != 0 {
				t.Fatalf("after clear = %+v", all)
			}
		})
	}
}

func TestFileStoreReopens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "h.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	recs := seed(t, st, 2)
	_ = st.Close()

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	got, _ := st2.List(ctx, 0)
	if len(got) != 2 || got[0].ID != recs[1].ID {
		t.Fatalf("reopened list = %+v", got)
	}
}
