package channels

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/config"
	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/delivery"
)

// Registry resolves channel ids to senders. Disabled channels are not
// registered, so deliveries to them fail as unknown channels.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]delivery.Channel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]delivery.Channel)}
}

// FromConfig builds senders for every enabled configured channel.
func FromConfig(cfgs []config.ChannelConfig, logger zerolog.Logger) (*Registry, error) {
	r := NewRegistry()
	for _, c := range cfgs {
		if !c.Enabled {
			continue
		}
		var sender delivery.Sender
		switch c.Type {
		case config.ChannelTelegram:
			sender = NewTelegramSender(c.BotToken, c.ChatID, c.APIBase, c.Timeout, logger)
		case config.ChannelDiscord:
			sender = NewDiscordSender(c.URL, c.Timeout, logger)
		case config.ChannelWebhook:
			sender = NewWebhookSender(c.URL, c.Timeout, logger)
		default:
			return nil, fmt.Errorf("channel %s: unknown type %q", c.ID, c.Type)
		}
		r.Register(c.ID, c.Type, sender)
	}
	return r, nil
}

// Register adds or replaces a channel.
func (r *Registry) Register(id, channelType string, sender delivery.Sender) {
	r.mu.Lock()
	r.channels[id] = delivery.Channel{ID: id, Type: channelType, Sender: sender}
	r.mu.Unlock()
}

// Channel implements delivery.Resolver.
func (r *Registry) Channel(id string) (delivery.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// IDs lists registered channel ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels))
	for id := range r.channels {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

var _ delivery.Resolver = (*Registry)(nil)
