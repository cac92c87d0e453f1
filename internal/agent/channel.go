// GRIDRUN Agent Channels
// How assignment wake-ups reach the agent: periodic claim polling, or the
// coordinator's push socket with polling as the outage fallback. Either
// way the agent claims over REST, so both channels share one job path.

package agent

import (
	"context"
	"strings"
	"time"

	"gridrun/internal/config"
	"gridrun/internal/logging"
	"gridrun/pkg/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// wakeSource nudges the claim loop whenever work may be waiting.
type wakeSource interface {
	run(ctx context.Context, wake chan<- struct{})
	name() string
}

func newWakeSource(cfg config.Agent, client *Client, onCancel func(jobID string)) wakeSource {
	if channelModePush(cfg.Channel) {
		return &pushSource{client: client, fallback: cfg.PollInterval, onCancel: onCancel}
	}
	return &pollSource{interval: cfg.PollInterval}
}

// kick delivers a wake-up without ever blocking; a full buffer already
// means a claim pass is due.
func kick(wake chan<- struct{}) {
	select {
	case wake <- struct{}{}:
	default:
	}
}

// pollSource wakes the claim loop on a fixed period.
type pollSource struct {
	interval time.Duration
}

func (p *pollSource) name() string { return "poll" }

func (p *pollSource) run(ctx context.Context, wake chan<- struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			kick(wake)
		}
	}
}

// pushSource holds a websocket to the coordinator and wakes the claim
// loop on job-assign frames. While the socket is down it degrades to
// polling so assignments still flow, and redials with backoff.
type pushSource struct {
	client   *Client
	fallback time.Duration
	onCancel func(jobID string)
}

func (p *pushSource) name() string { return "push" }

func (p *pushSource) run(ctx context.Context, wake chan<- struct{}) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.client.ChannelURL(), p.client.AuthHeader())
		if err != nil {
			wait := bo.NextBackOff()
			logging.S().Warnw("push channel dial failed, polling until retry",
				"error", err, "retry_in", wait)
			p.pollFor(ctx, wake, wait)
			continue
		}

		bo.Reset()
		p.consume(ctx, conn, wake)
	}
}

// consume reads frames until the socket drops. Pings from the coordinator
// are answered by the read loop's default handler.
func (p *pushSource) consume(ctx context.Context, conn *websocket.Conn, wake chan<- struct{}) {
	defer conn.Close()

	// Unblock the read when the agent shuts down.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	logging.S().Infow("push channel connected")
	// Catch up on anything assigned while the socket was down.
	kick(wake)

	for {
		var frame models.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() == nil {
				logging.S().Warnw("push channel lost", "error", err)
			}
			return
		}
		switch frame.Type {
		case models.FrameJobAssign:
			kick(wake)
		case models.FrameJobCancel:
			if p.onCancel != nil && frame.JobID != "" {
				p.onCancel(frame.JobID)
			}
		case models.FramePing:
			// Keepalive only.
		default:
			logging.S().Debugw("unknown push frame", "type", frame.Type)
		}
	}
}

// pollFor keeps claim wake-ups flowing at the fallback interval for d,
// then returns so the caller can redial.
func (p *pushSource) pollFor(ctx context.Context, wake chan<- struct{}, d time.Duration) {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	ticker := time.NewTicker(p.fallback)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
			kick(wake)
		}
	}
}

// channelModePush reports whether cfg selects the push channel.
func channelModePush(mode string) bool {
	return strings.EqualFold(strings.TrimSpace(mode), "push")
}
