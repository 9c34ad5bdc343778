package consensus

import "time"

func DefaultConfig() Config {
	return Config{
		RetirementThreshold: 51,
		RefreshInterval:     20 * time.Second,
		DialInterval:        time.Minute,
		CallTimeout:         20 * time.Second,
		PeerTTL:             4 * time.Hour,
		MinPeerWeight:       1,
	}
}

//nolint:lll
type Config struct {
	// Deployments have run this at both 51 and 91; it is a tunable,
	// not a protocol constant.
	RetirementThreshold int64         `long:"retirement-threshold" description:"Accrued endorsement percentage at which an artifact is retired from validation"`
	RefreshInterval     time.Duration `long:"refresh-interval"     description:"How often the validator registry is refreshed"`
	DialInterval        time.Duration `long:"dial-interval"        description:"How often the next artifact is offered to validators"`
	CallTimeout         time.Duration `long:"call-timeout"         description:"Per-peer timeout for outbound validation calls"`
	PeerTTL             time.Duration `long:"peer-ttl"             description:"Maximum ping age for a validator to stay in the registry"`
	MinPeerWeight       int64         `long:"min-peer-weight"      description:"Minimum weight percentage for a validator to be considered"`
}
