package capture

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		input string
		want  Kind
		err   bool
	}{
		{"screenshot-taken", ScreenshotTaken, false},
		{"screenshot", ScreenshotTaken, false},
		{"Recording-Started", RecordingStarted, false},
		{"start", RecordingStarted, false},
		{"recording-stopped", RecordingStopped, false},
		{"stop", RecordingStopped, false},
		{"mirroring", None, true},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseKind(tc.input)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, got, mustParse(t, got.String()))
		})
	}
}

func mustParse(t *testing.T, s string) Kind {
	t.Helper()
	k, err := ParseKind(s)
	require.NoError(t, err)
	return k
}

func TestManualTracksLevel(t *testing.T) {
	m := NewManual("test")
	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, m.Report(RecordingStarted))
	assert.True(t, m.IsCapturing())

	require.NoError(t, m.Report(ScreenshotTaken))
	assert.True(t, m.IsCapturing(), "screenshot must not change the recording level")

	require.NoError(t, m.Report(RecordingStopped))
	assert.False(t, m.IsCapturing())

	var kinds []Kind
	for i := 0; i < 3; i++ {
		ev := <-m.Events()
		assert.Equal(t, "test", ev.Source)
		assert.False(t, ev.Timestamp.IsZero())
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []Kind{RecordingStarted, ScreenshotTaken, RecordingStopped}, kinds)
}

func TestManualReportAfterStop(t *testing.T) {
	m := NewManual("")
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
	assert.ErrorIs(t, m.Report(RecordingStarted), ErrStopped)
}

func TestManualBufferFullDropsScreenshots(t *testing.T) {
	m := NewManual("full")
	for i := 0; i < cap(m.events); i++ {
		require.NoError(t, m.Report(ScreenshotTaken))
	}
	assert.ErrorIs(t, m.Report(ScreenshotTaken), ErrBufferFull)
	assert.Len(t, m.events, cap(m.events))
}

func TestManualBufferFullKeepsRecordingEdges(t *testing.T) {
	m := NewManual("full")
	for i := 0; i < cap(m.events); i++ {
		require.NoError(t, m.Report(ScreenshotTaken))
	}

	require.NoError(t, m.Report(RecordingStarted))
	assert.True(t, m.IsCapturing())
	require.NoError(t, m.Report(RecordingStopped))
	assert.False(t, m.IsCapturing())
	assert.Len(t, m.events, cap(m.events))

	var kinds []Kind
	for len(m.events) > 0 {
		kinds = append(kinds, (<-m.events).Kind)
	}
	require.Len(t, kinds, cap(m.events))
	assert.Equal(t, []Kind{RecordingStarted, RecordingStopped}, kinds[len(kinds)-2:])
	assert.Equal(t, ScreenshotTaken, kinds[0])
}

func TestMultiForwardsAndAggregates(t *testing.T) {
	a := NewManual("a")
	b := NewManual("b")
	unavailable := NewNull("not here")

	multi := NewMulti(nil, a, b, unavailable)
	require.NoError(t, multi.Start(context.Background()))
	assert.ErrorIs(t, multi.Start(context.Background()), ErrAlreadyRunning)

	require.NoError(t, a.Report(RecordingStarted))
	require.NoError(t, b.Report(ScreenshotTaken))

	seen := map[string]Kind{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-multi.Events():
			seen[ev.Source] = ev.Kind
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for forwarded event")
		}
	}
	assert.Equal(t, RecordingStarted, seen["a"])
	assert.Equal(t, ScreenshotTaken, seen["b"])
	assert.True(t, multi.IsCapturing())

	require.NoError(t, a.Report(RecordingStopped))
	assert.False(t, multi.IsCapturing())

	require.NoError(t, multi.Stop())
	_, open := <-multi.Events()
	assert.False(t, open, "merged channel closes on Stop")
}

func TestMultiAvailability(t *testing.T) {
	ok, _ := NewMulti(nil).Available()
	assert.False(t, ok)

	ok, reason := NewMulti(nil, NewNull("no bus")).Available()
	assert.False(t, ok)
	assert.Contains(t, reason, "no bus")

	ok, _ = NewMulti(nil, NewNull("no bus"), NewManual("m")).Available()
	assert.True(t, ok)
}

func TestMultiWithNothingAvailableStillStarts(t *testing.T) {
	multi := NewMulti(nil, NewNull("unsupported"))
	require.NoError(t, multi.Start(context.Background()))
	assert.False(t, multi.IsCapturing())
	require.NoError(t, multi.Stop())
}

func TestNewWithoutSourcesIsUnavailable(t *testing.T) {
	d := New(Config{})
	ok, _ := d.Available()
	assert.False(t, ok)
}
