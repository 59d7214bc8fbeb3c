package ports

import "time"

// Policy controls the write-back drain.
type Policy struct {
	Interval      time.Duration `yaml:"interval"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxBatchSize  int           `yaml:"max_batch_size"`
	MaxQueueLen   int           `yaml:"max_queue_len"` // 0 = unbounded

	// IndependentKinds keeps writing later kinds after one kind fails
	// instead of aborting the rest of the cycle.
	IndependentKinds bool `yaml:"independent_kinds"`
}
