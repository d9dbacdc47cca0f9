package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeTag(t *testing.T) {
	tests := []struct {
		name string
		tag  string
		want TagInfo
	}{
		{
			name: "job new",
			tag:  "salt/job/20240101000000/new",
			want: TagInfo{Mask: "salt/job/{jid}/new", Main: SaltJob, Sub: SaltJobNew},
		},
		{
			name: "job ret carries the minion id",
			tag:  "salt/job/20240101000000/ret/minion-a",
			want: TagInfo{Mask: "salt/job/{jid}/ret/{minion}", Main: SaltJob, Sub: SaltJobRet, MinionID: "minion-a"},
		},
		{
			name: "batch start",
			tag:  "salt/batch/20240101000000/start",
			want: TagInfo{Mask: "salt/batch/{jid}/start", Main: SaltBatch, Sub: SaltBatchStart},
		},
		{
			name: "batch done",
			tag:  "salt/batch/20240101000000/done",
			want: TagInfo{Mask: "salt/batch/{jid}/done", Main: SaltBatch, Sub: SaltBatchDone},
		},
		{
			name: "key",
			tag:  "salt/key",
			want: TagInfo{Mask: "salt/key", Main: SaltKey},
		},
		{
			name: "stats",
			tag:  "salt/stats/master",
			want: TagInfo{Mask: "salt/stats", Main: SaltStats},
		},
		{
			name: "presence keeps the status token",
			tag:  "salt/presence/change",
			want: TagInfo{Mask: "salt/presence/{status}", Main: SaltPresence, Sub: "change"},
		},
		{
			name: "minion refresh",
			tag:  "minion/refresh/minion-b",
			want: TagInfo{Mask: "minion/refresh/{minion}", Main: SaltMinion, Sub: SaltMinionRefresh, MinionID: "minion-b"},
		},
		{
			name: "run ret",
			tag:  "salt/run/20240101000000/ret",
			want: TagInfo{Mask: "salt/run/{jid}/ret", Main: SaltRun, Sub: SaltJobRet},
		},
		{
			name: "unknown tag passes through as its own mask",
			tag:  "custom/application/event",
			want: TagInfo{Mask: "custom/application/event"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeTag(tt.tag))
		})
	}
}

func TestSplitStateTags(t *testing.T) {
	tests := []struct {
		name      string
		rtag      string
		retName   string
		wantID    string
		wantFun   string
		wantName  string
	}{
		{
			name:     "full state tag",
			rtag:     "file_|-/etc/hosts_|-/etc/hosts_|-managed",
			wantID:   "/etc/hosts",
			wantFun:  "managed",
			wantName: "/etc/hosts",
		},
		{
			name:     "payload name wins over the tag component",
			rtag:     "pkg_|-install-vim_|-vim_|-installed",
			retName:  "vim-enhanced",
			wantID:   "install-vim",
			wantFun:  "installed",
			wantName: "vim-enhanced",
		},
		{
			name:     "malformed tag yields nothing",
			rtag:     "not-a-state-tag",
			wantID:   "",
			wantFun:  "",
			wantName: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, fun, name := splitStateTags(tt.rtag, tt.retName)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.wantFun, fun)
			assert.Equal(t, tt.wantName, name)
		})
	}
}
