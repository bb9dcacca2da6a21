package publisher

import "context"

// ConfigSource answers whether auto-posting is enabled for a channel. The
// channel setting, when present, overrides the server setting.
type ConfigSource interface {
	PostingEnabled(ctx context.Context, serverID, channelID string) (bool, error)
}

// StaticConfig is an in-memory ConfigSource. Production wires a store-backed
// implementation; tests and single-tenant deployments use this one.
type StaticConfig struct {
	DefaultEnabled bool
	Servers        map[string]bool // server-level setting
	Channels       map[string]bool // channel-level override, wins when present
}

func (s *StaticConfig) PostingEnabled(_ context.Context, serverID, channelID string) (bool, error) {
	if v, ok := s.Channels[channelID]; ok {
		return v, nil
	}
	if v, ok := s.Servers[serverID]; ok {
		return v, nil
	}
	return s.DefaultEnabled, nil
}
