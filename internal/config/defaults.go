package config

import "time"

// DefaultConfig returns the baseline configuration that file layers merge
// over.
func DefaultConfig() *SwarmConfig {
	return &SwarmConfig{
		DBPath:        ".abathur/swarm.db",
		MaxConcurrent: 4,
		TaskLimit:     nil, // run until the queue drains
		PollInterval:  Duration(200 * time.Millisecond),
		TaskTimeout:   Duration(10 * time.Minute),
		FailurePolicy: "leave-blocked",
		Retry: RetryConfig{
			InitialInterval: Duration(2 * time.Second),
			MaxInterval:     Duration(5 * time.Minute),
			Multiplier:      2.0,
		},
		Workers: map[string]WorkerConfig{},
	}
}
