package advisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/finbuddyhq/finbuddy/internal/config"
	"github.com/finbuddyhq/finbuddy/internal/logging"
	"github.com/finbuddyhq/finbuddy/internal/metrics"
)

const (
	providerKeyLocal  = "local"
	providerKeyRemote = "remote"
)

// Service runs an ordered provider chain. A provider that errors is put on
// cooldown so subsequent requests go straight to the next provider instead
// of waiting out another timeout.
type Service struct {
	providers    []Provider
	systemPrompt string
	timeout      time.Duration
	maxTokens    int
	cooldown     time.Duration

	mu          sync.Mutex
	cooldownEnd map[string]time.Time

	log zerolog.Logger
}

func NewService(cfg config.AdvisorConfig) (*Service, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultAdvisorTimeoutS) * time.Second
	}
	maxTokens := cfg.MaxReplyTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultMaxReplyTokens
	}
	cooldown := time.Duration(cfg.CooldownSeconds) * time.Second
	if cooldown <= 0 {
		cooldown = time.Duration(config.DefaultProviderCooldownS) * time.Second
	}

	systemPrompt, err := LoadSystemPrompt(cfg.SystemPromptPath)
	if err != nil {
		return nil, err
	}

	order := cfg.Order
	if len(order) == 0 {
		order = []string{providerKeyLocal, providerKeyRemote}
	}

	providers := make([]Provider, 0, len(order))
	for _, key := range order {
		switch strings.ToLower(strings.TrimSpace(key)) {
		case providerKeyLocal:
			if !cfg.Local.Enabled {
				continue
			}
			providers = append(providers, NewOllamaProvider(cfg.Local, timeout))
		case providerKeyRemote:
			if strings.TrimSpace(cfg.Remote.APIKey) == "" {
				continue
			}
			remote, err := NewOpenRouterProvider(cfg.Remote, timeout)
			if err != nil {
				return nil, err
			}
			providers = append(providers, remote)
		default:
			return nil, fmt.Errorf("unknown advisor provider %q", key)
		}
	}
	if len(providers) == 0 {
		return nil, errors.New("no advisor providers configured")
	}

	return &Service{
		providers:    providers,
		systemPrompt: systemPrompt,
		timeout:      timeout,
		maxTokens:    maxTokens,
		cooldown:     cooldown,
		cooldownEnd:  make(map[string]time.Time),
		log:          logging.Component("advisor"),
	}, nil
}

// Providers returns the names of the configured chain, in order.
func (s *Service) Providers() []string {
	names := make([]string, len(s.providers))
	for i, p := range s.providers {
		names[i] = p.Name()
	}
	return names
}

// Advise generates a reply for the user's message. Providers are tried in
// order; the first success wins. The reply is postprocessed for delivery.
func (s *Service) Advise(ctx context.Context, knowledgeContext string, history []Turn, userText string) (string, error) {
	req := BuildRequest(s.systemPrompt, knowledgeContext, history, userText, s.maxTokens)

	if reply, attempted, err := s.tryChain(ctx, req, true); attempted {
		return reply, err
	}
	// Every provider is cooling down; trying anyway beats a guaranteed
	// apology reply.
	reply, _, err := s.tryChain(ctx, req, false)
	return reply, err
}

func (s *Service) tryChain(ctx context.Context, req Request, respectCooldown bool) (string, bool, error) {
	var lastErr error
	attempted := false

	for _, provider := range s.providers {
		if respectCooldown && s.onCooldown(provider.Name()) {
			s.log.Debug().Str("provider", provider.Name()).Msg("provider on cooldown, skipping")
			continue
		}
		attempted = true

		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		start := time.Now()
		reply, err := provider.Complete(attemptCtx, req)
		cancel()

		if err == nil {
			metrics.AdvisorRequestsTotal.WithLabelValues(provider.Name(), "success").Inc()
			s.log.Debug().
				Str("provider", provider.Name()).
				Dur("elapsed", time.Since(start)).
				Msg("advice generated")
			return Postprocess(reply), true, nil
		}

		metrics.AdvisorRequestsTotal.WithLabelValues(provider.Name(), "error").Inc()
		lastErr = fmt.Errorf("%s: %w", provider.Name(), err)

		// The caller going away is not the provider's fault.
		if ctx.Err() != nil {
			return "", true, lastErr
		}

		s.startCooldown(provider.Name())
		s.log.Warn().
			Err(err).
			Str("provider", provider.Name()).
			Dur("cooldown", s.cooldown).
			Msg("provider failed, trying next")
	}

	if !attempted {
		return "", false, nil
	}
	return "", true, fmt.Errorf("all advisor providers failed: %w", lastErr)
}

func (s *Service) onCooldown(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Before(s.cooldownEnd[name])
}

func (s *Service) startCooldown(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldownEnd[name] = time.Now().Add(s.cooldown)
}
