package pool

import "time"

// Config holds the miner-facing protocol parameters.
type Config struct {
	CooldownWindow time.Duration `long:"lease-cooldown" description:"Minimum time between lease requests from the same wallet"`
	MaxConnections int64         `long:"max-connections" description:"Maximum number of concurrent miner connections"`
	CooldownSlots  int           `long:"cooldown-slots" description:"Number of wallets tracked for lease cooldown"`
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		CooldownWindow: 20 * time.Second,
		MaxConnections: 100,
		CooldownSlots:  4096,
	}
}
