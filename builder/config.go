package builder

import "time"

type Config struct {
	Enabled              bool          `toml:",omitempty"`
	ListenAddr           string        `toml:",omitempty"`
	DisableBundleFetcher bool          `toml:",omitempty"`
	BundleFetchInterval  time.Duration `toml:",omitempty"`
	PostgresDSN          string        `toml:",omitempty"`
	RemoteCycleEndpoint  string        `toml:",omitempty"`
	RemoteRateLimit      time.Duration `toml:",omitempty"`
	CycleHistory         int           `toml:",omitempty"`
}

// DefaultConfig is the default config for the builder.
var DefaultConfig = Config{
	Enabled:              true,
	ListenAddr:           ":28545",
	DisableBundleFetcher: false,
	BundleFetchInterval:  2 * time.Second,
	PostgresDSN:          "",
	RemoteCycleEndpoint:  "",
	RemoteRateLimit:      500 * time.Millisecond,
	CycleHistory:         64,
}
