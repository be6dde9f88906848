package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/finbuddyhq/finbuddy/internal/bus"
	"github.com/finbuddyhq/finbuddy/internal/config"
	"github.com/finbuddyhq/finbuddy/internal/logging"
)

// Manager owns the enabled channels and their outbound subscriptions.
type Manager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
}

func NewManager(cfg config.ChannelsConfig, b *bus.MessageBus) (*Manager, error) {
	m := &Manager{
		channels: make(map[string]Channel),
		bus:      b,
	}

	if cfg.WhatsApp.Enabled {
		ch, err := NewWhatsAppChannel(cfg.WhatsApp, b)
		if err != nil {
			return nil, fmt.Errorf("init whatsapp channel: %w", err)
		}
		m.register(ch)
	}

	if cfg.WhatsAppWeb.Enabled {
		ch, err := NewWhatsAppWebChannel(cfg.WhatsAppWeb, b)
		if err != nil {
			return nil, fmt.Errorf("init whatsapp-web channel: %w", err)
		}
		m.register(ch)
	}

	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Telegram, b)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.register(ch)
	}

	return m, nil
}

func (m *Manager) register(ch Channel) {
	log := logging.Component("channel-mgr")
	m.channels[ch.Name()] = ch
	m.bus.SubscribeOutbound(ch.Name(), func(msg bus.OutboundMessage) {
		if err := ch.Send(msg); err != nil {
			log.Error().Str("channel", ch.Name()).Err(err).Msg("send failed")
		}
	})
}

func (m *Manager) StartAll(ctx context.Context) error {
	log := logging.Component("channel-mgr")
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			log.Info().Str("channel", name).Msg("starting")
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (m *Manager) StopAll() error {
	log := logging.Component("channel-mgr")
	for name, ch := range m.channels {
		log.Info().Str("channel", name).Msg("stopping")
		if err := ch.Stop(); err != nil {
			log.Error().Str("channel", name).Err(err).Msg("stop failed")
		}
	}
	return nil
}

func (m *Manager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}
