package ledger

import "time"

func DefaultConfig() Config {
	return Config{
		PoolOwnerShare: 18,
		ActivityWindow: 30 * time.Minute,
	}
}

//nolint:lll
type Config struct {
	PoolOwnerShare int64         `long:"pool-owner-share" description:"Percentage of settled income reserved for the pool owner; the rest is distributed to miners"`
	ActivityWindow time.Duration `long:"activity-window"  description:"How recently a miner must have submitted to count as active"`
}
