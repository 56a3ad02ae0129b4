package ports

import "time"

type ChannelPolicy struct {
	Capacity     int           `yaml:"capacity"`
	MaxBatchSize int           `yaml:"max_batch_size"`
	IdleSleep    time.Duration `yaml:"idle_sleep"`
}
