package tools

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// Handler executes one provider call. Implementations must honor ctx.
type Handler func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)

// Provider is one backend able to serve a tool. Providers registered for the
// same card form a fallback chain and must return the same result shape.
type Provider struct {
	Name string
	Call Handler
}

// ToolUnavailableError reports that every provider in a tool's chain failed.
type ToolUnavailableError struct {
	Tool     string
	Attempts []string
}

func (e *ToolUnavailableError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("tool %s has no providers", e.Tool)
	}
	return fmt.Sprintf("tool %s unavailable: %s", e.Tool, strings.Join(e.Attempts, "; "))
}

type entry struct {
	card      Card
	providers []Provider
}

// Registry holds the tool catalog and walks provider chains on invocation.
// Provider failures trip a per-provider cooldown so later calls in the same
// session skip a backend that just failed.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*entry
	cooldown map[string]time.Time
	secret   string
	window   time.Duration
	logger   *log.Logger
	now      func() time.Time
}

// NewRegistry builds an empty registry. secret may be empty, which disables
// signature validation (local development only). window is the provider
// cooldown after a failure.
func NewRegistry(secret string, window time.Duration, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(log.Writer(), "[TOOLS] ", log.LstdFlags)
	}
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Registry{
		tools:    make(map[string]*entry),
		cooldown: make(map[string]time.Time),
		secret:   secret,
		window:   window,
		logger:   logger,
		now:      time.Now,
	}
}

// Register validates and stores a card with its provider chain. Chain order
// is the fallback order. Re-registering a name is an error: cards are
// immutable for the life of the process.
func (r *Registry) Register(card Card, providers ...Provider) error {
	if err := validateSchema(card); err != nil {
		return fmt.Errorf("invalid card: %w", err)
	}
	if len(providers) == 0 {
		return fmt.Errorf("tool %s registered with no providers", card.Name)
	}
	checksum, err := ComputeChecksum(card)
	if err != nil {
		return fmt.Errorf("checksum for %s: %w", card.Name, err)
	}
	if card.Checksum != checksum {
		return fmt.Errorf("tool %s checksum mismatch", card.Name)
	}
	if err := validateSignature(card, r.secret); err != nil {
		return fmt.Errorf("tool %s: %w", card.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[card.Name]; ok {
		return fmt.Errorf("tool %s already registered", card.Name)
	}
	r.tools[card.Name] = &entry{card: card, providers: providers}
	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.Name
	}
	r.logger.Printf("registered tool %s (providers: %s)", card.Name, strings.Join(names, ", "))
	return nil
}

// Has reports whether a tool name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Resolve returns the card for a registered tool.
func (r *Registry) Resolve(name string) (Card, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return Card{}, fmt.Errorf("unknown tool: %s", name)
	}
	return e.card, nil
}

// Catalog returns all cards sorted by name.
func (r *Registry) Catalog() []Card {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cards := make([]Card, 0, len(r.tools))
	for _, e := range r.tools {
		cards = append(cards, e.card)
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].Name < cards[j].Name })
	return cards
}

// Invoke walks the provider chain in registration order and returns the
// first success. Providers inside their cooldown window are skipped unless
// every provider is cooling, in which case the whole chain is retried. When
// the chain is exhausted the caller gets a ToolUnavailableError; the tool
// stays registered and the next invocation walks the chain again.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}

	candidates := r.eligible(name, e.providers)
	attempts := make([]string, 0, len(candidates))
	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := p.Call(ctx, args)
		if err == nil {
			return result, nil
		}
		r.trip(name, p.Name)
		r.logger.Printf("tool %s provider %s failed: %v", name, p.Name, err)
		attempts = append(attempts, fmt.Sprintf("%s: %v", p.Name, err))
	}
	return nil, &ToolUnavailableError{Tool: name, Attempts: attempts}
}

func (r *Registry) eligible(tool string, providers []Provider) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	out := make([]Provider, 0, len(providers))
	for _, p := range providers {
		until, cooling := r.cooldown[tool+"/"+p.Name]
		if cooling && now.Before(until) {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return providers
	}
	return out
}

func (r *Registry) trip(tool, provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldown[tool+"/"+provider] = r.now().Add(r.window)
}
