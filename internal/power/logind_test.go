package power

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeManager struct {
	body []interface{}
	err  error
}

func (f *fakeManager) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	if f.err != nil {
		return &dbus.Call{Err: f.err}
	}
	return &dbus.Call{Body: f.body}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		sig  *dbus.Signal
		want SleepEvent
		ok   bool
	}{
		{"going to sleep", &dbus.Signal{Name: prepareForSleep, Body: []interface{}{true}}, SleepEvent{Sleeping: true}, true},
		{"woke up", &dbus.Signal{Name: prepareForSleep, Body: []interface{}{false}}, SleepEvent{Sleeping: false}, true},
		{"other signal", &dbus.Signal{Name: managerInterface + ".SessionNew", Body: []interface{}{"3"}}, SleepEvent{}, false},
		{"empty body", &dbus.Signal{Name: prepareForSleep}, SleepEvent{}, false},
		{"nil", nil, SleepEvent{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Decode(tt.sig)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCountIdleBlocks(t *testing.T) {
	list := []Inhibitor{
		{What: "idle", Who: "firefox", Mode: "block"},
		{What: "sleep:idle", Who: "steam", Mode: "block"},
		{What: "idle", Who: "gnome-session", Mode: "delay"},
		{What: "sleep", Who: "NetworkManager", Mode: "delay"},
		{What: "handle-lid-switch", Who: "stasis", Mode: "block"},
	}
	assert.Equal(t, 2, CountIdleBlocks(list))
	assert.Equal(t, 0, CountIdleBlocks(nil))
}

func TestIdleInhibitorsLogsOnce(t *testing.T) {
	var buf bytes.Buffer
	m := &fakeManager{err: errors.New("access denied")}
	l := &Logind{manager: m, logger: slog.New(slog.NewTextHandler(&buf, nil))}

	for i := 0; i < 3; i++ {
		assert.Equal(t, 0, l.IdleInhibitors(context.Background()))
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "failed to list logind inhibitors"))

	m.err = nil
	m.body = []interface{}{[]Inhibitor{{What: "idle", Mode: "block"}}}
	assert.Equal(t, 1, l.IdleInhibitors(context.Background()))
	assert.Contains(t, buf.String(), "recovered")
}

func TestInertClient(t *testing.T) {
	l := &Logind{logger: slog.Default()}
	assert.False(t, l.Available())
	assert.Nil(t, l.Signals())

	list, err := l.Inhibitors(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NoError(t, l.Close())
}
