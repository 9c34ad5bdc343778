package settlement

import "time"

func DefaultConfig() Config {
	return Config{
		CheckInterval: time.Minute,
		StartHeight:   500,
		BlockPageSize: 10,
	}
}

//nolint:lll
type Config struct {
	CheckInterval time.Duration `long:"check-interval"  description:"How often new upstream blocks are scanned for pool income"`
	StartHeight   uint64        `long:"start-height"    description:"Block height to start scanning from when no progress is persisted"`
	BlockPageSize int           `long:"block-page-size" description:"Maximum number of blocks fetched per scan"`
}
