// Package merger maintains the in-memory aggregate the scrape endpoint
// reports: per-job lifecycle state, per-minion return rollups, and the
// Prometheus registry they are exported through.
package merger

// Job lifecycle states. A job leaves the open/completing pair exactly
// once, into either complete or timed_out.
const (
	JobOpen     = "open"
	JobCompleting = "completing"
	JobComplete = "complete"
	JobTimedOut = "timed_out"
)

// MinionReturn is the rollup of everything one minion reported for a job.
type MinionReturn struct {
	Returned  bool
	Offline   bool
	Changes   int
	Errors    int
	Warnings  int
	Successes int
	Failures  int
	Duration  float64
}

// JobState tracks one job by jid.
type JobState struct {
	JID  string
	Fun  string
	User string

	CreatedTS   int64
	LastSeenTS  int64
	CompletedTS int64

	// Targets are the minion ids expected to return; Minions holds the
	// rollup per minion that has been seen. Every key of Minions is a
	// target.
	Targets map[string]struct{}
	Minions map[string]*MinionReturn

	State string
}

func newJobState(jid string, ts int64) *JobState {
	return &JobState{
		JID:        jid,
		CreatedTS:  ts,
		LastSeenTS: ts,
		Targets:    make(map[string]struct{}),
		Minions:    make(map[string]*MinionReturn),
		State:      JobOpen,
	}
}

// terminal reports whether the job has reached its final state.
func (j *JobState) terminal() bool {
	return j.State == JobComplete || j.State == JobTimedOut
}

// minion returns the rollup entry for id, creating it (and extending the
// target set, so returned minions are always a subset of targets).
func (j *JobState) minion(id string) *MinionReturn {
	j.Targets[id] = struct{}{}
	m, ok := j.Minions[id]
	if !ok {
		m = &MinionReturn{}
		j.Minions[id] = m
	}
	return m
}

// returnedCount counts minions that have reported back.
func (j *JobState) returnedCount() int {
	n := 0
	for _, m := range j.Minions {
		if m.Returned {
			n++
		}
	}
	return n
}

// touch advances the last-seen timestamp; out-of-order merges keep the
// later wall-clock.
func (j *JobState) touch(ts int64) {
	if ts > j.LastSeenTS {
		j.LastSeenTS = ts
	}
}
