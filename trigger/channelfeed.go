package trigger

import (
	"context"
	"fmt"
	"sync"

	"github.com/ikurchat/jobs/core"
	"github.com/ikurchat/jobs/logging"
)

// FeedNotice is one upstream notification handed to the channel feed by an
// external connector (webhook receiver, polling bridge, message bus
// consumer). The feed fans it out to every identity subscribed to
// (Source, Topic).
type FeedNotice struct {
	Source  string
	Topic   string
	Payload string
}

// ChannelFeedOptions holds configuration overrides passed to NewChannelFeed.
type ChannelFeedOptions struct {
	// Buffer is the notice queue depth between Announce and Run.
	Buffer int
	// Logger receives fan-out activity.
	Logger logging.Logger
}

// ChannelFeed translates external feed notifications into per-subscriber
// trigger events. Connectors push with Announce; Run drains the queue and
// resolves subscriptions at delivery time, so an unsubscribe between
// notice and drain drops the event rather than delivering stale.
type ChannelFeed struct {
	subs   core.SubscriptionStore
	logger logging.Logger

	notices chan FeedNotice

	mu     sync.Mutex
	closed bool
}

// NewChannelFeed constructs a channel feed over the subscription store.
func NewChannelFeed(subs core.SubscriptionStore, optFns ...func(o *ChannelFeedOptions)) *ChannelFeed {
	opts := ChannelFeedOptions{
		Buffer: 128,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &ChannelFeed{
		subs:    subs,
		logger:  opts.Logger,
		notices: make(chan FeedNotice, opts.Buffer),
	}
}

// Name identifies the source in logs.
func (f *ChannelFeed) Name() string { return "channelfeed" }

// Announce enqueues an upstream notification for fan-out. It returns an
// error when the feed has shut down or the queue is full; connectors decide
// whether to drop or retry.
func (f *ChannelFeed) Announce(notice FeedNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("channel feed closed")
	}
	select {
	case f.notices <- notice:
		return nil
	default:
		return fmt.Errorf("channel feed queue full, dropped notice for %s/%s", notice.Source, notice.Topic)
	}
}

// Run drains notices until ctx is cancelled, emitting one event per
// matching subscriber.
func (f *ChannelFeed) Run(ctx context.Context, emit func(core.TriggerEvent)) error {
	defer f.close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case notice := <-f.notices:
			if err := f.fanOut(ctx, notice, emit); err != nil {
				f.logger.Error("channel feed fan-out failed",
					"source", notice.Source, "topic", notice.Topic, "error", err)
			}
		}
	}
}

func (f *ChannelFeed) fanOut(ctx context.Context, notice FeedNotice, emit func(core.TriggerEvent)) error {
	matched, err := f.subs.ListByTopic(ctx, notice.Source, notice.Topic)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	if len(matched) == 0 {
		f.logger.Debug("no subscribers for notice", "source", notice.Source, "topic", notice.Topic)
		return nil
	}
	payload := fmt.Sprintf("[%s/%s] %s", notice.Source, notice.Topic, notice.Payload)
	for _, sub := range matched {
		ev := core.NewTriggerEvent(core.SourceChannel, sub.IdentityKey, payload)
		emit(ev)
	}
	f.logger.Debug("notice fanned out",
		"source", notice.Source, "topic", notice.Topic, "subscribers", len(matched))
	return nil
}

func (f *ChannelFeed) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}
