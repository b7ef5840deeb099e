package fetch

import (
	"sort"
	"time"
)

// task is the registry's single record per id. Every field is guarded by the
// scheduler lock.
type task struct {
	id   string
	key  string
	spec Spec
	seq  uint64

	gen     uint64
	token   *Token
	state   State
	fetcher Fetcher

	// claimed is true while this task holds the thumbnail claim for key.
	claimed bool

	percent int
	status  string
	path    string
	lastErr string

	createdAt time.Time
	updatedAt time.Time
}

func (t *task) info() TaskInfo {
	return TaskInfo{
		ID:              t.id,
		URL:             t.spec.URL,
		Quality:         t.spec.Quality,
		ResourceKey:     t.key,
		Generation:      t.gen,
		State:           t.state,
		Percent:         t.percent,
		Status:          t.status,
		Path:            t.path,
		Error:           t.lastErr,
		Thumbnail:       t.claimed,
		FragmentThreads: t.spec.FragmentThreads,
		CreatedAt:       t.createdAt,
		UpdatedAt:       t.updatedAt,
	}
}

// registry maps ids to live tasks. Purged tasks leave a read-only TaskInfo in
// a bounded ring so callers can still observe how they ended.
type registry struct {
	tasks map[string]*task
	seq   uint64

	recent     []TaskInfo
	recentSize int
}

func newRegistry(recentSize int) registry {
	if recentSize <= 0 {
		recentSize = 64
	}
	return registry{tasks: map[string]*task{}, recentSize: recentSize}
}

func (r *registry) create(id string, spec Spec, now time.Time) *task {
	r.seq++
	t := &task{
		id:        id,
		key:       ResourceKey(spec.URL),
		spec:      spec,
		seq:       r.seq,
		token:     NewToken(),
		state:     StateQueued,
		gen:       1,
		createdAt: now,
		updatedAt: now,
	}
	r.tasks[id] = t
	return t
}

func (r *registry) get(id string) (*task, bool) {
	t, ok := r.tasks[id]
	return t, ok
}

// retain drops the execution instance but keeps everything needed to build a
// new one for resume or retry.
func (r *registry) retain(t *task) {
	t.fetcher = nil
}

// purge removes all bookkeeping for id.
func (r *registry) purge(id string) {
	t, ok := r.tasks[id]
	if !ok {
		return
	}
	delete(r.tasks, id)
	t.fetcher = nil
	r.recent = append(r.recent, t.info())
	if n := len(r.recent) - r.recentSize; n > 0 {
		r.recent = append([]TaskInfo(nil), r.recent[n:]...)
	}
}

func (r *registry) lookupRecent(id string) (TaskInfo, bool) {
	for i := len(r.recent) - 1; i >= 0; i-- {
		if r.recent[i].ID == id {
			return r.recent[i], true
		}
	}
	return TaskInfo{}, false
}

// list returns live tasks in submission order.
func (r *registry) list() []TaskInfo {
	ts := make([]*task, 0, len(r.tasks))
	for _, t := range r.tasks {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].seq < ts[j].seq })
	out := make([]TaskInfo, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.info())
	}
	return out
}
