package bridge

import (
	"context"
	"fmt"
	"log"

	"github.com/mohammad-safakhou/inquest/config"
	"github.com/mohammad-safakhou/inquest/internal/tools"
)

// Manager owns the connected tool servers for the life of the process.
type Manager struct {
	clients []*Client
	logger  *log.Logger
}

// Start spawns every configured tool server, performs the tools/list
// handshake, and registers each advertised tool into the registry behind a
// forwarding provider. A server that fails to start or handshake is skipped
// with a log line; the engine degrades to the tools it has.
func Start(ctx context.Context, cfg config.BridgeConfig, reg *tools.Registry, secret string, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[BRIDGE] ", log.LstdFlags)
	}
	m := &Manager{logger: logger}
	for _, sc := range cfg.Servers {
		client, err := StartServer(ctx, sc.Name, sc.Command, sc.Args...)
		if err != nil {
			logger.Printf("tool server %s: start failed: %v", sc.Name, err)
			continue
		}
		if err := m.adopt(ctx, client, reg, secret); err != nil {
			logger.Printf("tool server %s: %v", sc.Name, err)
			_ = client.Close()
			continue
		}
		m.clients = append(m.clients, client)
	}
	return m, nil
}

// Adopt handshakes an already-connected client and registers its tools.
// Split from Start so tests can drive it with a pipe-backed client.
func (m *Manager) Adopt(ctx context.Context, client *Client, reg *tools.Registry, secret string) error {
	if err := m.adopt(ctx, client, reg, secret); err != nil {
		return err
	}
	m.clients = append(m.clients, client)
	return nil
}

func (m *Manager) adopt(ctx context.Context, client *Client, reg *tools.Registry, secret string) error {
	remote, err := client.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if len(remote) == 0 {
		return fmt.Errorf("handshake: server advertised no tools")
	}
	registered := 0
	for _, rt := range remote {
		if err := m.register(client, reg, rt, secret); err != nil {
			m.logger.Printf("tool server %s: tool %q rejected: %v", client.Name(), rt.Name, err)
			continue
		}
		registered++
	}
	if registered == 0 {
		return fmt.Errorf("no tools survived validation")
	}
	m.logger.Printf("tool server %s: registered %d/%d tools", client.Name(), registered, len(remote))
	return nil
}

func (m *Manager) register(client *Client, reg *tools.Registry, rt RemoteTool, secret string) error {
	if rt.Name == "" {
		return fmt.Errorf("empty tool name")
	}
	if reg.Has(rt.Name) {
		return fmt.Errorf("name collides with an existing tool")
	}
	card, err := tools.Seal(tools.Card{
		Name:            rt.Name,
		Version:         rt.Metadata["version"],
		Description:     rt.Description,
		InputSchema:     rt.InputSchema,
		CostTier:        tierOr(rt.Metadata["cost_tier"], tools.TierMedium),
		ReliabilityTier: tierOr(rt.Metadata["reliability_tier"], tools.TierMedium),
		BestFor:         rt.Metadata["best_for"],
		AvoidWhen:       rt.Metadata["avoid_when"],
		Origin:          "bridge:" + client.Name(),
	}, secret)
	if err != nil {
		return err
	}
	name := rt.Name
	provider := tools.Provider{
		Name: client.Name(),
		Call: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			return client.CallTool(ctx, name, args)
		},
	}
	return reg.Register(card, provider)
}

func tierOr(v, def string) string {
	switch v {
	case tools.TierLow, tools.TierMedium, tools.TierHigh:
		return v
	}
	return def
}

// Close shuts down every connected server.
func (m *Manager) Close() error {
	var first error
	for _, c := range m.clients {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
