package callmetrics

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time  { return c.t }
func (c *fakeClock) Set(sec float64) { c.t = FromEpochSeconds(sec) }

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestRecorder(t *testing.T, policy Policy) (*Recorder, *fakeClock) {
	t.Helper()
	clock := &fakeClock{}
	clock.Set(1000.0)
	r := NewRecorder(Options{
		Dir:    t.TempDir(),
		Policy: policy,
		Logger: quietLogger(),
		Now:    clock.Now,
	})
	return r, clock
}

func turn(id string, speechStart, speechEnd, responseStart, responseEnd float64) Interaction {
	return Interaction{
		InteractionID:        id,
		SpeechStartTime:      speechStart,
		SpeechEndTime:        speechEnd,
		ResponseStartTime:    responseStart,
		AgentResponseEndTime: responseEnd,
	}
}

func TestRecorderTwoTurnScenario(t *testing.T) {
	r, clock := newTestRecorder(t, PolicyPassThrough)
	r.StartSession()

	require.NoError(t, r.LogInteraction(turn("t1", 1000.5, 1002.0, 1002.0, 1004.0)))
	require.NoError(t, r.LogInteraction(turn("t2", 1010.0, 1011.0, 1011.5, 1013.0)))

	clock.Set(1020.0)
	r.EndSession()

	summary, interactions := r.Snapshot()
	require.NotNil(t, summary)
	require.Len(t, interactions, 2)

	first := interactions[0]
	assert.Equal(t, 1.5, first.UserSpeakingTime)
	assert.Equal(t, 2.0, first.AgentReplyTime)
	assert.Equal(t, 0.0, first.AgentIdleTimePerQuestion)
	assert.Equal(t, 0.5, first.UserResponseWaitingTime)

	second := interactions[1]
	assert.Equal(t, 0.5, second.AgentIdleTimePerQuestion)
	assert.Equal(t, 6.0, second.UserResponseWaitingTime)

	assert.Equal(t, 2, summary.TotalQuestions)
	assert.Equal(t, 2.5, summary.TotalUserSpeakingTime)
	assert.Equal(t, 1.25, summary.AverageUserSpeakingTime)
	assert.Equal(t, 3.5, summary.TotalAgentReplyTime)
	assert.Equal(t, 1.75, summary.AverageAgentReplyTime)
	assert.Equal(t, 0.5, summary.TotalAgentIdleTime)
	assert.Equal(t, 0.25, summary.AverageAgentIdleTime)
	assert.Equal(t, 20.0, summary.TotalSessionTime)
	require.NotNil(t, summary.SessionStartTime)
	require.NotNil(t, summary.SessionEndTime)
	assert.Equal(t, 1000.0, *summary.SessionStartTime)
	assert.Equal(t, 1020.0, *summary.SessionEndTime)
}

func TestRecorderSessionIDAndStamping(t *testing.T) {
	r, clock := newTestRecorder(t, PolicyPassThrough)
	want := "session_" + clock.Now().Format("20060102_150405")
	assert.Equal(t, want, r.SessionID())

	require.NoError(t, r.LogInteraction(turn("t1", 1000.5, 1002.0, 1002.0, 1004.0)))
	_, interactions := r.Snapshot()
	assert.Equal(t, want, interactions[0].SessionID)
	assert.Equal(t, clock.Now().Format(timestampLayout), interactions[0].Timestamp)
}

func TestCalculateMetricsEmptyReturnsNil(t *testing.T) {
	r, _ := newTestRecorder(t, PolicyPassThrough)
	r.StartSession()
	assert.Nil(t, r.CalculateMetrics())
}

func TestCalculateMetricsIsIdempotent(t *testing.T) {
	r, _ := newTestRecorder(t, PolicyPassThrough)
	r.StartSession()
	require.NoError(t, r.LogInteraction(turn("t1", 1000.25, 1001.125, 1001.75, 1003.0)))
	require.NoError(t, r.LogInteraction(turn("t2", 1004.5, 1006.0, 1006.25, 1009.0)))

	first, firstTurns := r.Snapshot()
	second, secondTurns := r.Snapshot()
	assert.Equal(t, first, second)
	assert.Equal(t, firstTurns, secondTurns)
}

func TestSummaryWithoutEndReportsZeroDuration(t *testing.T) {
	r, _ := newTestRecorder(t, PolicyPassThrough)
	r.StartSession()
	require.NoError(t, r.LogInteraction(turn("t1", 1000.5, 1002.0, 1002.0, 1004.0)))

	summary := r.CalculateMetrics()
	require.NotNil(t, summary)
	assert.Equal(t, 0.0, summary.TotalSessionTime)
	assert.Nil(t, summary.SessionEndTime)
}

func TestEndSessionTwiceOverwrites(t *testing.T) {
	r, clock := newTestRecorder(t, PolicyPassThrough)
	r.StartSession()
	require.NoError(t, r.LogInteraction(turn("t1", 1000.5, 1002.0, 1002.0, 1004.0)))

	clock.Set(1010.0)
	r.EndSession()
	clock.Set(1030.0)
	r.EndSession()

	assert.Equal(t, 30.0, r.CalculateMetrics().TotalSessionTime)
}

func TestAveragesEqualTotalsOverCount(t *testing.T) {
	for _, n := range []int{1, 2, 4, 8} {
		r, _ := newTestRecorder(t, PolicyPassThrough)
		r.StartSession()
		base := 1000.0
		for i := 0; i < n; i++ {
			require.NoError(t, r.LogInteraction(turn("t", base+0.5, base+1.5, base+1.75, base+2.75)))
			base += 4
		}
		s := r.CalculateMetrics()
		require.NotNil(t, s)
		assert.Equal(t, n, s.TotalQuestions)
		assert.InDelta(t, s.TotalUserSpeakingTime/float64(n), s.AverageUserSpeakingTime, 1e-9)
		assert.InDelta(t, s.TotalAgentReplyTime/float64(n), s.AverageAgentReplyTime, 1e-9)
		assert.InDelta(t, s.TotalAgentIdleTime/float64(n), s.AverageAgentIdleTime, 1e-9)
	}
}

func TestWaitingTimeUsesPreviousTurnEnd(t *testing.T) {
	r, _ := newTestRecorder(t, PolicyPassThrough)
	r.StartSession()
	require.NoError(t, r.LogInteraction(turn("t1", 1001.0, 1002.0, 1002.5, 1005.0)))
	require.NoError(t, r.LogInteraction(turn("t2", 1007.25, 1008.0, 1008.5, 1010.0)))
	require.NoError(t, r.LogInteraction(turn("t3", 1010.5, 1011.0, 1011.0, 1012.0)))

	_, got := r.Snapshot()
	assert.Equal(t, 1.0, got[0].UserResponseWaitingTime)
	assert.Equal(t, 2.25, got[1].UserResponseWaitingTime)
	assert.Equal(t, 0.5, got[2].UserResponseWaitingTime)
}

func TestLogInteractionIgnoresDerivedPlaceholders(t *testing.T) {
	r, _ := newTestRecorder(t, PolicyPassThrough)
	r.StartSession()
	in := turn("t1", 1000.5, 1002.0, 1002.0, 1004.0)
	in.UserSpeakingTime = 99
	in.AgentReplyTime = 99
	in.UserResponseWaitingTime = 99
	in.AgentIdleTimePerQuestion = 99
	require.NoError(t, r.LogInteraction(in))

	_, got := r.Snapshot()
	assert.Equal(t, 1.5, got[0].UserSpeakingTime)
	assert.Equal(t, 2.0, got[0].AgentReplyTime)
	assert.Equal(t, 0.5, got[0].UserResponseWaitingTime)
	assert.Equal(t, 0.0, got[0].AgentIdleTimePerQuestion)
}

func TestRoundsToThreeDecimals(t *testing.T) {
	r, _ := newTestRecorder(t, PolicyPassThrough)
	r.StartSession()
	require.NoError(t, r.LogInteraction(turn("t1", 1000.12345, 1001.98765, 1002.0004, 1003.4567)))

	_, got := r.Snapshot()
	assert.Equal(t, 1.864, got[0].UserSpeakingTime)
	assert.Equal(t, 0.123, got[0].UserResponseWaitingTime)
	assert.Equal(t, 0.013, got[0].AgentIdleTimePerQuestion)
	assert.Equal(t, 1.456, got[0].AgentReplyTime)
}

func TestPassThroughKeepsNegativeDurations(t *testing.T) {
	r, _ := newTestRecorder(t, PolicyPassThrough)
	r.StartSession()
	require.NoError(t, r.LogInteraction(turn("t1", 1003.0, 1002.0, 1001.5, 1004.0)))

	_, got := r.Snapshot()
	assert.Equal(t, -1.0, got[0].UserSpeakingTime)
	assert.Equal(t, -0.5, got[0].AgentIdleTimePerQuestion)
}

func TestClampFloorsNegativeDurations(t *testing.T) {
	r, _ := newTestRecorder(t, PolicyClamp)
	r.StartSession()
	require.NoError(t, r.LogInteraction(turn("t1", 1003.0, 1002.0, 1001.5, 1004.0)))
	require.NoError(t, r.LogInteraction(turn("t2", 1003.5, 1004.0, 1004.5, 1005.0)))

	_, got := r.Snapshot()
	assert.Equal(t, 0.0, got[0].UserSpeakingTime)
	assert.Equal(t, 0.0, got[0].AgentIdleTimePerQuestion)
	assert.Equal(t, 2.5, got[0].AgentReplyTime)
	// speech started before the previous reply ended
	assert.Equal(t, 0.0, got[1].UserResponseWaitingTime)
}

func TestRejectRefusesOutOfOrderTimestamps(t *testing.T) {
	cases := map[string]Interaction{
		"speech_end_before_start":    turn("a", 1003.0, 1002.0, 1002.0, 1004.0),
		"response_before_speech_end": turn("b", 1001.0, 1002.0, 1001.5, 1004.0),
		"reply_ends_before_start":    turn("c", 1001.0, 1002.0, 1002.0, 1001.9),
		"missing_timestamp":          turn("d", 0, 1002.0, 1002.0, 1004.0),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			r, _ := newTestRecorder(t, PolicyReject)
			r.StartSession()
			err := r.LogInteraction(in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTimestamps))
			assert.Equal(t, 0, r.Len())
		})
	}

	r, _ := newTestRecorder(t, PolicyReject)
	r.StartSession()
	require.NoError(t, r.LogInteraction(turn("ok", 1000.5, 1002.0, 1002.0, 1004.0)))
	assert.Equal(t, 1, r.Len())
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in   string
		want Policy
	}{
		{"", PolicyPassThrough},
		{"passthrough", PolicyPassThrough},
		{"CLAMP", PolicyClamp},
		{" reject ", PolicyReject},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, got, mustParse(t, got.String()))
	}

	_, err := ParsePolicy("ignore")
	assert.Error(t, err)
}

func mustParse(t *testing.T, raw string) Policy {
	t.Helper()
	p, err := ParsePolicy(raw)
	require.NoError(t, err)
	return p
}
