package engine

import (
	"context"
	"sync"

	errs "github.com/r3e-network/sentryd/infrastructure/errors"
	"github.com/r3e-network/sentryd/infrastructure/logging"
)

// ChannelSet holds registered delivery channels and fans an alert out to
// all of them concurrently, isolating per-channel errors (spec §4.8).
type ChannelSet struct {
	mu       sync.RWMutex
	channels []Channel
}

// NewChannelSet creates an empty ChannelSet.
func NewChannelSet() *ChannelSet {
	return &ChannelSet{}
}

// Register appends channel to the set.
func (c *ChannelSet) Register(ch Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels = append(c.channels, ch)
}

// Channels returns the currently registered channels.
func (c *ChannelSet) Channels() []Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Channel, len(c.channels))
	copy(out, c.channels)
	return out
}

// Send invokes every channel's Send concurrently for one alert, waits for
// all to settle, and logs (rather than propagates) per-channel failures.
func (c *ChannelSet) Send(ctx context.Context, alert Alert) {
	channels := c.Channels()
	if len(channels) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(channels))
	for _, ch := range channels {
		ch := ch
		go func() {
			defer wg.Done()
			err := ch.Send(ctx, alert)
			if err != nil {
				err = errs.ChannelFailed(ch.Name(), err)
			}
			logging.Default().LogChannelSend(ctx, ch.Name(), alert.ID, err)
		}()
	}
	wg.Wait()
}
