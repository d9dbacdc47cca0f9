package event

import "strconv"

// JobID is a Salt job identifier. JIDs are usually timestamp-shaped
// integers but arbitrary strings occur; the numeric form is kept when the
// raw value parses.
type JobID struct {
	Raw   string
	Num   int64
	IsNum bool
}

// ParseJobID coerces a payload jid value. Numeric payload values and
// numeric strings both produce the numeric form.
func ParseJobID(v any) JobID {
	switch t := v.(type) {
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return JobID{Raw: t, Num: n, IsNum: true}
		}
		return JobID{Raw: t}
	case float64:
		return JobID{Raw: strconv.FormatInt(int64(t), 10), Num: int64(t), IsNum: true}
	case int64:
		return JobID{Raw: strconv.FormatInt(t, 10), Num: t, IsNum: true}
	case int:
		return JobID{Raw: strconv.Itoa(t), Num: int64(t), IsNum: true}
	default:
		return JobID{}
	}
}

func (j JobID) IsZero() bool { return j.Raw == "" }

func (j JobID) String() string { return j.Raw }

// StateCounts holds the distilled result of a state-function return
// payload: one bucket per sub-state result, plus warnings, changed
// sub-states and the aggregate duration in milliseconds.
type StateCounts struct {
	Successes int
	Failures  int
	Errors    int
	Warnings  int
	Changes   int
	Duration  float64
}

// StateFunArgs captures the rewritten invocation of a state function.
type StateFunArgs struct {
	Fun  string
	Args []string
	Test bool
}

// ParsedEvent is the normalized record produced by the parser. Optional
// fields keep their zero value when the source payload did not carry them;
// pointer fields distinguish absent from zero where that matters.
type ParsedEvent struct {
	Tag     string
	TagMask string
	TagMain string
	TagSub  string

	// TS is seconds since epoch, from the payload _stamp or ingestion time.
	TS int64

	JID     JobID
	ID      string
	User    string
	Minions []string
	Success *bool
	Fun     string

	// Trimmed lists payload keys whose values were elided for size.
	Trimmed []string

	StateFunArgs *StateFunArgs
	Test         bool

	// DownMinions is non-nil (possibly empty) only for batch start/done.
	DownMinions []string

	// Offline marks an SSH minion considered unreachable.
	Offline bool

	// Return and Counts are set only for state-function returns. Return
	// carries a map, string or list return payload (map sub-states are
	// rewritten in place by distillation); other shapes leave both unset.
	// Counts is the distilled view.
	Return any
	Counts *StateCounts

	Stats map[string]any

	// Rix is the index of the reader worker that parsed the record.
	Rix int
}
