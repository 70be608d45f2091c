package channels

import (
	"context"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpcgate/hpcgate/channel"
	"github.com/hpcgate/hpcgate/channel/fake"
	"github.com/hpcgate/hpcgate/common/errors"
	"github.com/hpcgate/hpcgate/common/stats"
	"github.com/hpcgate/hpcgate/job"
	"github.com/hpcgate/hpcgate/security"
)

var sc = security.NewContext("sshkey", "u1", security.Credential{Material: []byte("KEY")})

func TestInstrumentedCounts(t *testing.T) {
	f := fake.NewChannel().
		On("ok", fake.MustScript("stdout fine")).
		On("bad", fake.MustScript("complete 2")).
		On("down", fake.MustScript("fail unreachable"))
	stat := stats.DefaultStatsReceiver()
	ch := NewInstrumented(f, stat)

	for _, cmd := range []string{"ok", "ok", "bad", "down"} {
		ch.Execute(context.Background(), job.RawCommand{Command: cmd}, sc)
	}

	stats.VerifyStats("instrumented", stat, t, map[string]stats.Rule{
		"channel/" + stats.ChannelCommandCounter:               {Checker: stats.Int64EqTest, Value: 4},
		"channel/" + stats.ChannelNonZeroExitCounter:           {Checker: stats.Int64EqTest, Value: 1},
		"channel/" + stats.ChannelTransportErrorCounter:        {Checker: stats.Int64EqTest, Value: 1},
		"channel/" + stats.ChannelCommandLatency_ms + ".count": {Checker: stats.Int64EqTest, Value: 4},
	})
}

func TestRateLimitedPassesThrough(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	inner := channel.NewMockChannel(mockCtrl)
	cmd := job.RawCommand{Command: "squeue -j 1"}
	inner.EXPECT().Execute(gomock.Any(), cmd, sc).Return(channel.Result{Stdout: "1 R"}, nil).Times(3)

	ch := NewRateLimited(inner, 0, 1, nil)
	for i := 0; i < 3; i++ {
		res, err := ch.Execute(context.Background(), cmd, sc)
		require.NoError(t, err)
		assert.Equal(t, "1 R", res.Stdout)
	}
}

func TestRateLimitedHonorsContext(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	inner := channel.NewMockChannel(mockCtrl)
	inner.EXPECT().Execute(gomock.Any(), gomock.Any(), gomock.Any()).Return(channel.Result{}, nil).Times(1)

	// one command per minute: the second call cannot get a token before its deadline
	ch := NewRateLimited(inner, 1.0/60, 1, nil)
	_, err := ch.Execute(context.Background(), job.RawCommand{Command: "a"}, sc)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = ch.Execute(ctx, job.RawCommand{Command: "b"}, sc)
	assert.True(t, errors.IsKind(err, errors.Transport))
	assert.False(t, channel.Started(err))
}
