// Package channels decorates a channel.Channel with rate limiting and metrics.
package channels

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/hpcgate/hpcgate/channel"
	"github.com/hpcgate/hpcgate/common/errors"
	"github.com/hpcgate/hpcgate/common/stats"
	"github.com/hpcgate/hpcgate/job"
	"github.com/hpcgate/hpcgate/security"
)

// RateLimited spaces commands so a fleet of jobs polling one login node does
// not trip its connection limits. Waiting honors ctx.
type RateLimited struct {
	ch      channel.Channel
	limiter *rate.Limiter
	stat    stats.StatsReceiver
}

// NewRateLimited allows perSecond commands with bursts of burst. A
// non-positive perSecond disables limiting.
func NewRateLimited(ch channel.Channel, perSecond float64, burst int, stat stats.StatsReceiver) *RateLimited {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &RateLimited{ch: ch, limiter: rate.NewLimiter(limit, burst), stat: stat.Scope("channel")}
}

func (r *RateLimited) Execute(ctx context.Context, cmd job.RawCommand, cred *security.Context) (channel.Result, error) {
	start := time.Now()
	if err := r.limiter.Wait(ctx); err != nil {
		return channel.Result{}, channel.NewTransportError(channel.Timeout, "rate limiter", false, err)
	}
	r.stat.Latency(stats.ChannelRateLimitWaitLatency_ms).Record(time.Since(start))
	return r.ch.Execute(ctx, cmd, cred)
}

// Instrumented counts commands and failures and records command latency.
type Instrumented struct {
	ch   channel.Channel
	stat stats.StatsReceiver
}

func NewInstrumented(ch channel.Channel, stat stats.StatsReceiver) *Instrumented {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Instrumented{ch: ch, stat: stat.Scope("channel")}
}

func (i *Instrumented) Execute(ctx context.Context, cmd job.RawCommand, cred *security.Context) (channel.Result, error) {
	i.stat.Counter(stats.ChannelCommandCounter).Inc(1)
	defer i.stat.Latency(stats.ChannelCommandLatency_ms).Time().Stop()

	res, err := i.ch.Execute(ctx, cmd, cred)
	switch {
	case errors.IsKind(err, errors.Transport):
		i.stat.Counter(stats.ChannelTransportErrorCounter).Inc(1)
		log.WithFields(log.Fields{
			"err":     err,
			"started": channel.Started(err),
		}).Info("Channel transport failure")
	case err == nil && res.ExitCode != 0:
		i.stat.Counter(stats.ChannelNonZeroExitCounter).Inc(1)
	}
	return res, err
}
