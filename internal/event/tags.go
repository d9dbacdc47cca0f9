// Package event decodes Salt event bus records into a normalized,
// typed representation.
//
// Salt tags are opaque slash-separated strings whose shape depends on the
// event kind ("salt/job/<jid>/ret/<minion>", "salt/batch/<jid>/start", ...).
// DecodeTag reduces a tag to its canonical mask plus a (main, sub)
// classification pair drawn from a closed set, and extracts the minion id
// when the tag shape carries one.
package event

import (
	"regexp"
	"strings"
)

// Classification buckets. The (main, sub) pair selects how the payload is
// interpreted downstream.
const (
	SaltJob        = "job"
	SaltJobNew     = "new"
	SaltJobRet     = "ret"
	SaltJobProg    = "prog"
	SaltRun        = "run"
	SaltBatch      = "batch"
	SaltBatchStart = "start"
	SaltBatchDone  = "done"
	SaltKey        = "key"
	SaltAuth       = "auth"
	SaltStats      = "stats"
	SaltPresence   = "presence"
	SaltMinion     = "minion"
	SaltMinionRefresh = "refresh"
	SaltMinionStart   = "start"
)

// TagInfo is the result of decoding a raw tag.
type TagInfo struct {
	Mask     string
	Main     string
	Sub      string
	MinionID string
}

type tagPattern struct {
	re        *regexp.Regexp
	mask      string
	main, sub string
	// index of the capture group holding the minion id, 0 if none
	minionGroup int
}

// The table is ordered: first match wins. Unknown tags fall through with
// the raw tag as their own mask and no classification.
var tagPatterns = []tagPattern{
	{re: regexp.MustCompile(`^salt/job/([0-9]+)/new$`), mask: "salt/job/{jid}/new", main: SaltJob, sub: SaltJobNew},
	{re: regexp.MustCompile(`^salt/job/([0-9]+)/ret/(.+)$`), mask: "salt/job/{jid}/ret/{minion}", main: SaltJob, sub: SaltJobRet, minionGroup: 2},
	{re: regexp.MustCompile(`^salt/job/([0-9]+)/prog/([^/]+)/([0-9]+)$`), mask: "salt/job/{jid}/prog/{minion}/{n}", main: SaltJob, sub: SaltJobProg, minionGroup: 2},
	{re: regexp.MustCompile(`^salt/run/([0-9]+)/new$`), mask: "salt/run/{jid}/new", main: SaltRun, sub: SaltJobNew},
	{re: regexp.MustCompile(`^salt/run/([0-9]+)/ret$`), mask: "salt/run/{jid}/ret", main: SaltRun, sub: SaltJobRet},
	{re: regexp.MustCompile(`^salt/batch/([0-9]+)/start$`), mask: "salt/batch/{jid}/start", main: SaltBatch, sub: SaltBatchStart},
	{re: regexp.MustCompile(`^salt/batch/([0-9]+)/done$`), mask: "salt/batch/{jid}/done", main: SaltBatch, sub: SaltBatchDone},
	{re: regexp.MustCompile(`^salt/key$`), mask: "salt/key", main: SaltKey},
	{re: regexp.MustCompile(`^salt/auth$`), mask: "salt/auth", main: SaltAuth},
	{re: regexp.MustCompile(`^salt/stats(?:/.*)?$`), mask: "salt/stats", main: SaltStats},
	{re: regexp.MustCompile(`^salt/presence/(present|change)$`), mask: "salt/presence/{status}", main: SaltPresence},
	{re: regexp.MustCompile(`^salt/minion/([^/]+)/start$`), mask: "salt/minion/{minion}/start", main: SaltMinion, sub: SaltMinionStart, minionGroup: 1},
	{re: regexp.MustCompile(`^minion/refresh/(.+)$`), mask: "minion/refresh/{minion}", main: SaltMinion, sub: SaltMinionRefresh, minionGroup: 1},
	{re: regexp.MustCompile(`^minion_start$`), mask: "minion_start", main: SaltMinion, sub: SaltMinionStart},
}

// DecodeTag classifies a raw event tag. For the presence shape the sub
// bucket is the literal status token from the tag.
func DecodeTag(tag string) TagInfo {
	for _, p := range tagPatterns {
		m := p.re.FindStringSubmatch(tag)
		if m == nil {
			continue
		}
		info := TagInfo{Mask: p.mask, Main: p.main, Sub: p.sub}
		if p.main == SaltPresence && len(m) > 1 {
			info.Sub = m[1]
		}
		if p.minionGroup > 0 && p.minionGroup < len(m) {
			info.MinionID = m[p.minionGroup]
		}
		return info
	}
	return TagInfo{Mask: tag}
}

// splitStateTags breaks a state-return key of the form
// "<module>_|-<id>_|-<name>_|-<function>" into its id, function and name
// components. The name argument, when already known from the sub-state
// payload, takes precedence over the tag component.
func splitStateTags(rtag, name string) (stateID, stateFun, stateName string) {
	comps := strings.SplitN(rtag, "_|-", 4)
	if len(comps) != 4 {
		return "", "", name
	}
	stateID = comps[1]
	stateFun = comps[3]
	if name != "" {
		stateName = name
	} else {
		stateName = comps[2]
	}
	return stateID, stateFun, stateName
}
