package endpoint

import "time"

// Config holds the endpoint's tunable behaviour. RelayURL and AgentID are
// seeded from persisted store.State and may change at runtime via
// SetServerURL.
type Config struct {
	RelayURL string
	AgentID  string

	Proxy ProxyConfig
	Auth  AuthConfig

	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	DialTimeout       time.Duration
}

// ProxyConfig controls optional egress through a SOCKS5 or HTTP CONNECT
// proxy when dialling the relay, for endpoints behind a restrictive network.
type ProxyConfig struct {
	URL             string
	HealthTimeout   time.Duration
	RecheckInterval time.Duration
}

// AuthConfig holds the shared secret used to generate the relay's optional
// access-gate token on connect. Must match the relay's own auth.shared_secret
// or every connection attempt is rejected with 401 (§6 "Optional relay
// access gate"). Empty disables sending a token at all.
type AuthConfig struct {
	SharedSecret string
}

// DefaultConfig returns the fixed timing specified in §4.3/§5: a 3 second
// reconnect delay, a 30 second heartbeat interval, and a 3-miss limit
// (bounding heartbeat failure detection to 90 seconds).
func DefaultConfig(relayURL, agentID string) Config {
	return Config{
		RelayURL:          relayURL,
		AgentID:           agentID,
		ReconnectDelay:    3 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatMisses:   3,
		DialTimeout:       10 * time.Second,
	}
}
