// Package logsink is the simplest possible engine.Channel: it writes
// every alert through infrastructure/logging, giving operators a
// zero-configuration delivery target and giving ChannelSet something to
// fan out to that never fails a transport call.
package logsink

import (
	"context"

	"github.com/r3e-network/sentryd/engine"
	"github.com/r3e-network/sentryd/infrastructure/logging"
)

// Channel logs every alert it receives at Info (or Warn for critical
// severity) and never returns an error.
type Channel struct {
	name string
}

// New creates a logsink Channel named name.
func New(name string) *Channel {
	return &Channel{name: name}
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) Send(ctx context.Context, alert engine.Alert) error {
	fields := map[string]interface{}{
		"probe_id": alert.ProbeID,
		"rule_id":  alert.RuleID,
		"alert_id": alert.ID,
		"title":    alert.Title,
	}
	if alert.Severity == engine.SeverityCritical {
		logging.Default().Warn(ctx, alert.Message, fields)
	} else {
		logging.Default().Info(ctx, alert.Message, fields)
	}
	return nil
}
