package worker

import (
	"sync"

	"github.com/Kali123411/stratum-proxy/src/pool"
)

const maxJobs = 32

// JobRing remembers the last jobs sent to a connection so submits can be
// checked against the job they were mined on.
type JobRing struct {
	lock    sync.Mutex
	jobs    [maxJobs]*pool.Job
	index   map[string]int
	counter uint64
}

func NewJobRing() *JobRing {
	return &JobRing{index: make(map[string]int, maxJobs)}
}

func (r *JobRing) Add(job *pool.Job) {
	r.lock.Lock()
	defer r.lock.Unlock()
	slot := int(r.counter % maxJobs)
	r.counter++
	if old := r.jobs[slot]; old != nil && r.index[old.Id] == slot {
		delete(r.index, old.Id)
	}
	r.jobs[slot] = job
	r.index[job.Id] = slot
}

func (r *JobRing) Get(id string) (*pool.Job, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	slot, ok := r.index[id]
	if !ok {
		return nil, false
	}
	return r.jobs[slot], true
}

// Reset forgets every job, used when the connection moves to another pool.
func (r *JobRing) Reset() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.jobs = [maxJobs]*pool.Job{}
	clear(r.index)
	r.counter = 0
}

func (r *JobRing) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.index)
}
