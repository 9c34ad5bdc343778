package lease

import "time"

func DefaultConfig() Config {
	return Config{
		LeaseTimeout:    10 * time.Minute,
		JobPollInterval: 30 * time.Second,
	}
}

//nolint:lll
type Config struct {
	// Observed deployments ran this anywhere between one and ten minutes;
	// it is a tunable, not a protocol constant.
	LeaseTimeout    time.Duration `long:"lease-timeout"     description:"How long a task lease is honored before the task may be handed to another wallet"`
	JobPollInterval time.Duration `long:"job-poll-interval" description:"How often to ask the upstream job source for work when no job is active"`
}
