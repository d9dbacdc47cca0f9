package event

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTrimLimit is the serialized size above which a payload field is
// elided. Full highstate returns stay comfortably below it; runaway
// command output does not.
const DefaultTrimLimit = 8192

// trimMarker replaces elided payload values.
const trimMarker = "<trimmed>"

type tagPair struct{ main, sub string }

type eventKey struct{ main, sub, fun string }

// ignoreEvents lists (main, sub, fun) triples that are discarded silently.
// find_job probes fire for every running job and would dominate the
// aggregate without carrying any state.
var ignoreEvents = map[eventKey]struct{}{
	{SaltJob, SaltJobNew, "saltutil.find_job"}: {},
	{SaltJob, SaltJobRet, "saltutil.find_job"}: {},
}

// ignoreNoFunWarning lists (main, sub) pairs for which a missing function
// is the expected shape; their records are emitted without Fun.
var ignoreNoFunWarning = map[tagPair]struct{}{
	{SaltBatch, SaltBatchStart}:      {},
	{SaltBatch, SaltBatchDone}:       {},
	{SaltAuth, ""}:                   {},
	{SaltStats, ""}:                  {},
	{SaltPresence, "present"}:        {},
	{SaltPresence, "change"}:         {},
	{SaltMinion, SaltMinionRefresh}:  {},
	{SaltMinion, SaltMinionStart}:    {},
}

// stateFuncs are the functions whose return payload is a map of sub-state
// results eligible for distillation.
var stateFuncs = map[string]struct{}{
	"state.apply":     {},
	"state.highstate": {},
	"state.sls":       {},
	"state.sls_id":    {},
	"state.single":    {},
	"state.template":  {},
	"state.test":      {},
	"state.top":       {},
}

// Parser turns raw (tag, payload) pairs into normalized records. Parsers
// are stateless apart from the compiled rename rules and safe for
// concurrent use.
type Parser struct {
	rules     *Rules
	log       *zap.Logger
	trimLimit int
	now       func() time.Time
}

// NewParser builds a parser with the given rename rules. A trimLimit of
// zero selects DefaultTrimLimit.
func NewParser(rules *Rules, trimLimit int, log *zap.Logger) *Parser {
	if rules == nil {
		rules = &Rules{}
	}
	if trimLimit <= 0 {
		trimLimit = DefaultTrimLimit
	}
	return &Parser{rules: rules, log: log, trimLimit: trimLimit, now: time.Now}
}

// Parse normalizes one event. A nil result means the event was dropped;
// Parse never fails otherwise and never panics on malformed payloads.
func (p *Parser) Parse(tag string, data map[string]any) *ParsedEvent {
	if data == nil {
		return nil
	}

	fun, _ := data["fun"].(string)
	info := DecodeTag(tag)

	if info.MinionID != "" {
		if _, ok := data["id"]; !ok {
			data["id"] = info.MinionID
		}
	}

	if info.Main == SaltKey && fun == "" {
		fun, _ = data["act"].(string)
	}

	if fun == "" {
		if _, ok := ignoreNoFunWarning[tagPair{info.Main, info.Sub}]; !ok {
			p.log.Warn("ignoring event with no function in the payload",
				zap.String("tag", tag))
			return nil
		}
	}

	if _, ok := ignoreEvents[eventKey{info.Main, info.Sub, fun}]; ok {
		return nil
	}

	ev := &ParsedEvent{
		Tag:     tag,
		TagMask: info.Mask,
		TagMain: info.Main,
		TagSub:  info.Sub,
		TS:      p.parseTimestamp(data["_stamp"]),
		Fun:     fun,
	}

	if v, ok := data["minions"]; ok {
		if lst, valid := toStringList(v); valid {
			ev.Minions = lst
		} else {
			p.log.Warn("minions list is malformed",
				zap.String("tag", tag), zap.Any("minions", v))
		}
	}

	if v, ok := data["jid"]; ok {
		ev.JID = ParseJobID(v)
	}
	if v, ok := data["id"].(string); ok {
		ev.ID = v
	}
	if v, ok := data["user"].(string); ok {
		ev.User = v
	}
	if v, ok := data["success"].(bool); ok {
		b := v
		ev.Success = &b
	}

	trimmed := p.trim(data)
	if len(trimmed) > 0 {
		ev.Trimmed = make([]string, 0, len(trimmed))
		for k := range trimmed {
			ev.Trimmed = append(ev.Trimmed, k)
		}
		sort.Strings(ev.Trimmed)
	}

	if info.Main == SaltBatch && (info.Sub == SaltBatchStart || info.Sub == SaltBatchDone) {
		if lst, valid := toStringList(data["down_minions"]); valid {
			ev.DownMinions = lst
		} else {
			ev.DownMinions = []string{}
		}
	}

	isJobEdge := info.Main == SaltJob && (info.Sub == SaltJobNew || info.Sub == SaltJobRet)

	if isJobEdge {
		if rc, ok := toInt(data["retcode"]); ok && rc == 255 {
			if stderr, _ := data["stderr"].(string); stderr != "" {
				ev.Offline = true
				p.log.Debug("considering ssh minion response as offline status",
					zap.String("id", ev.ID), zap.String("jid", ev.JID.String()))
			}
		}
	}

	if isJobEdge && strings.HasPrefix(fun, "state.") {
		funArgs, ok := data["fun_args"]
		if !ok {
			funArgs, ok = data["arg"]
		}
		if ok && funArgs != nil {
			args, kwargs := parseStateFunArgs(funArgs)
			for i, a := range args {
				args[i] = p.rules.mod.apply(a)
			}
			test := kwargs["test"] == true
			ev.StateFunArgs = &StateFunArgs{Fun: fun, Args: args, Test: test}
			if test || fun == "state.test" {
				ev.Test = true
			}
		}
	}

	if info.Main == SaltJob && info.Sub == SaltJobRet {
		if _, wasTrimmed := trimmed["return"]; !wasTrimmed {
			if _, isState := stateFuncs[fun]; isState {
				p.distillReturn(ev, data["return"])
			}
		}
	}

	if info.Main == SaltStats {
		if stats, ok := data["stats"].(map[string]any); ok {
			ev.Stats = stats
		} else {
			ev.Stats = map[string]any{}
		}
	}

	return ev
}

// distillReturn folds a state-function return payload into counters.
// Mapping returns are walked sub-state by sub-state (rewriting sls/id
// references in place and normalizing durations), a bare string return
// counts as a single change, and a list return is all errors. Other
// shapes leave the record without distilled counters.
func (p *Parser) distillReturn(ev *ParsedEvent, ret any) {
	switch r := ret.(type) {
	case map[string]any:
		counts := &StateCounts{}
		rtags := make([]string, 0, len(r))
		for rtag := range r {
			rtags = append(rtags, rtag)
		}
		sort.Strings(rtags)
		for _, rtag := range rtags {
			sub, ok := r[rtag].(map[string]any)
			if !ok {
				continue
			}
			p.distillSubState(rtag, sub, counts)
		}
		ev.Counts = counts
		ev.Return = r
	case string:
		ev.Counts = &StateCounts{Changes: 1}
		ev.Return = r
	case []any:
		ev.Counts = &StateCounts{Errors: len(r)}
		ev.Return = r
	}
}

// distillSubState rewrites one sub-state entry and accounts it.
func (p *Parser) distillSubState(rtag string, ret map[string]any, counts *StateCounts) {
	if truthy(ret["changes"]) {
		counts.Changes++
	}

	name, _ := ret["name"].(string)
	stateID, stateFun, stateName := splitStateTags(rtag, name)
	if stateName != "" {
		if _, ok := ret["name"]; !ok {
			ret["name"] = stateName
		}
	}

	if sls, ok := ret["__sls__"].(string); ok && sls != "" {
		dotted := strings.ReplaceAll(sls, "/", ".")
		renamed := p.rules.sls.apply(dotted)
		if renamed == dotted && dotted != sls {
			// Rules written against the raw slash form still apply.
			renamed = strings.ReplaceAll(p.rules.sls.apply(sls), "/", ".")
		}
		if renamed != sls {
			ret["__sls__"] = renamed
			ret["__sls_orig__"] = sls
		}
	}

	sid, _ := ret["__id__"].(string)
	if sid == "" {
		sid = stateID
	}
	if sid != "" {
		if _, ok := ret["__id__"]; !ok {
			ret["__id__"] = sid
		}
		renamed := p.rules.sid.apply(sid)
		if renamed != sid {
			ret["__id__"] = renamed
			ret["__id_orig__"] = sid
		}
	}

	ret["fun"] = stateFun

	result, hasResult := ret["result"]
	if ran, ok := ret["__state_ran__"].(bool); ok && !ran {
		delete(ret, "__state_ran__")
		result, hasResult = nil, true
	}
	switch {
	case hasResult && result == true:
		counts.Successes++
	case hasResult && result == false:
		counts.Failures++
	default:
		counts.Errors++
	}

	if _, ok := ret["warnings"]; ok {
		counts.Warnings++
	}

	delete(ret, "start_time")
	if dur, ok := parseDuration(ret["duration"]); ok {
		ret["duration"] = dur
		counts.Duration += dur
	}
}

// trim elides payload values whose serialized size exceeds the limit and
// returns the set of elided keys.
func (p *Parser) trim(data map[string]any) map[string]struct{} {
	var trimmed map[string]struct{}
	for k, v := range data {
		enc, err := json.Marshal(v)
		if err != nil || len(enc) <= p.trimLimit {
			continue
		}
		data[k] = trimMarker
		if trimmed == nil {
			trimmed = make(map[string]struct{})
		}
		trimmed[k] = struct{}{}
	}
	return trimmed
}

// Salt stamps events with a naive UTC timestamp; RFC3339 is accepted for
// sources that stamp with an explicit zone.
var stampLayouts = []string{
	"2006-01-02T15:04:05.999999",
	time.RFC3339,
}

func (p *Parser) parseTimestamp(v any) int64 {
	stamp, _ := v.(string)
	for _, layout := range stampLayouts {
		if t, err := time.Parse(layout, stamp); err == nil {
			return t.Unix()
		}
	}
	return p.now().Unix()
}

// parseDuration accepts the duration shapes Salt emits: a bare number of
// milliseconds or a string with an "ms" or "s" unit suffix.
func parseDuration(v any) (float64, bool) {
	switch d := v.(type) {
	case float64:
		return d, true
	case int:
		return float64(d), true
	case int64:
		return float64(d), true
	case string:
		s := strings.TrimSpace(d)
		mult := 1.0
		if strings.HasSuffix(s, "ms") {
			s = strings.TrimSpace(strings.TrimSuffix(s, "ms"))
		} else if strings.HasSuffix(s, "s") {
			s = strings.TrimSpace(strings.TrimSuffix(s, "s"))
			mult = 1000.0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f * mult, true
	default:
		return 0, false
	}
}

// parseStateFunArgs splits a Salt fun_args list into positional string
// arguments and keyword arguments. Mapping items carry the kwargs; any
// other non-string item is rendered with its default formatting.
func parseStateFunArgs(v any) ([]string, map[string]any) {
	items, ok := v.([]any)
	if !ok {
		return nil, nil
	}
	var args []string
	kwargs := map[string]any{}
	for _, item := range items {
		switch t := item.(type) {
		case map[string]any:
			for k, kv := range t {
				if k == "__kwarg__" {
					continue
				}
				kwargs[k] = kv
			}
		case string:
			args = append(args, t)
		default:
			args = append(args, fmt.Sprint(t))
		}
	}
	return args, kwargs
}

func toStringList(v any) ([]string, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func toInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		return int64(t), true
	default:
		return 0, false
	}
}

// truthy mirrors the loose truth test the payloads rely on: non-empty
// collections and strings, non-zero numbers and true are all truthy.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		return true
	}
}
