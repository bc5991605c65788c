// Package humanloop surfaces a paused sprint to a human and detects
// when they've resolved it. Pausing happens when a PauseState is
// installed on LoopState (via the request_human_action tool, or a
// quality gate that can't be auto-remediated); resuming happens when
// the pause's verification command starts succeeding again.
package humanloop

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"
	"github.com/slack-go/slack"

	"github.com/valueforge/orchestrator/pkg/loopstate"
	"github.com/valueforge/orchestrator/pkg/subprocess"
)

// Notifier posts a pause/resume announcement to a human-facing
// channel. The zero value (nil *SlackNotifier) is valid and a no-op,
// so Slack configuration stays optional.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// SlackNotifier posts pause/resume announcements to a single channel
// via a bot token. It is deliberately minimal: one message per event,
// no threading, no interactive buttons — those belong to a richer
// notification surface this loop doesn't need.
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

// NewSlackNotifier builds a Notifier posting to channel using token.
func NewSlackNotifier(token, channel string) *SlackNotifier {
	return &SlackNotifier{client: slack.New(token), channel: channel}
}

func (n *SlackNotifier) Notify(ctx context.Context, message string) error {
	if n == nil {
		return nil
	}
	_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(message, false))
	return err
}

// Gate surfaces a paused sprint on stdout (always) and via Notifier
// (when configured), and polls the pause's verification command to
// detect resolution.
type Gate struct {
	out      io.Writer
	notifier Notifier
	log      logr.Logger

	announced bool
}

// New builds a Gate writing human-facing output to out. notifier may
// be nil to disable the optional Slack channel.
func New(out io.Writer, notifier Notifier, log logr.Logger) *Gate {
	return &Gate{out: out, notifier: notifier, log: log.WithName("humanloop")}
}

// Announce prints the pause reason and instructions once per pause
// episode (tracked by an announce-once latch that Reset clears, so a
// re-announce only happens across separate pauses, not every poll of
// the same one).
func (g *Gate) Announce(ctx context.Context, pause *loopstate.PauseState) {
	if g.announced {
		return
	}
	g.announced = true

	message := fmt.Sprintf("Sprint paused: %s\n\nInstructions: %s", pause.Reason, pause.Instructions)
	fmt.Fprintln(g.out, message)
	if pause.VerificationCommand != "" {
		fmt.Fprintf(g.out, "Resolution is detected automatically once this succeeds: %s\n", pause.VerificationCommand)
	}
	if g.notifier != nil {
		if err := g.notifier.Notify(ctx, message); err != nil {
			g.log.Error(err, "failed to post pause notification")
		}
	}
}

// Resolved reports whether the human has addressed the pause, by
// re-running its verification command. A pause with no verification
// command never auto-resolves; only removing it from LoopState
// (handled by the driver) clears it.
func (g *Gate) Resolved(ctx context.Context, pause *loopstate.PauseState) bool {
	if pause.VerificationCommand == "" {
		return false
	}
	result, err := subprocess.Run(ctx, subprocess.Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", pause.VerificationCommand},
		Timeout: 30 * time.Second,
	})
	if err != nil {
		g.log.V(1).Info("pause verification command failed to run", "error", err.Error())
		return false
	}
	return result.ExitCode == 0
}

// Reset clears the announce-once latch, for a freshly installed pause.
func (g *Gate) Reset() {
	g.announced = false
}
