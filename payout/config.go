package payout

import "time"

func DefaultConfig() Config {
	return Config{
		DrainInterval: time.Minute,
		MaxBatch:      15,
		MaxInputs:     255,
		MaxAttempts:   5,
	}
}

//nolint:lll
type Config struct {
	DrainInterval time.Duration `long:"drain-interval" description:"How often the pending payout queue is drained"`
	MaxBatch      int           `long:"max-batch"      description:"Maximum number of payouts submitted per drain cycle"`
	MaxInputs     int           `long:"max-inputs"     description:"Maximum spendable inputs the external ledger accepts in one transaction"`
	MaxAttempts   int32         `long:"max-attempts"   description:"Split/retry ceiling before a payout is dead-lettered"`
}
