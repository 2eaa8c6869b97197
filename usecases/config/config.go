//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2025 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultIndexChunkSize bounds one bulk index call.
	DefaultIndexChunkSize = 1000

	// DefaultDeleteChunkSize bounds one bulk delete call and one existence
	// probe.
	DefaultDeleteChunkSize = 10000

	DefaultSerializerWorkers = 8
	DefaultTaskRetries       = 3
	DefaultScopeTimeout      = 10 * time.Minute
	DefaultVerifyInterval    = time.Second
	DefaultVerifyTimeout     = 30 * time.Second
)

// Config carries the tunables of the sync subsystem. Zero values are replaced
// by defaults in Validate.
type Config struct {
	IndexChunkSize    int
	DeleteChunkSize   int
	SerializerWorkers int

	// MaxBisectDepth caps the binary-split retry recursion; 0 means no cap
	// beyond reaching single-item batches.
	MaxBisectDepth int

	// TaskRetries bounds re-enqueues of a failed background flush.
	TaskRetries int

	// ScopeTimeout is the maximum age of an open batching scope before the
	// watchdog aborts it.
	ScopeTimeout time.Duration

	// VerifyInterval is the poll period of bounded post-flush waits,
	// VerifyTimeout their default deadline.
	VerifyInterval time.Duration
	VerifyTimeout  time.Duration
}

func (c *Config) Validate() error {
	if c.IndexChunkSize == 0 {
		c.IndexChunkSize = DefaultIndexChunkSize
	}
	if c.DeleteChunkSize == 0 {
		c.DeleteChunkSize = DefaultDeleteChunkSize
	}
	if c.SerializerWorkers == 0 {
		c.SerializerWorkers = DefaultSerializerWorkers
	}
	if c.TaskRetries == 0 {
		c.TaskRetries = DefaultTaskRetries
	}
	if c.ScopeTimeout == 0 {
		c.ScopeTimeout = DefaultScopeTimeout
	}
	if c.VerifyInterval == 0 {
		c.VerifyInterval = DefaultVerifyInterval
	}
	if c.VerifyTimeout == 0 {
		c.VerifyTimeout = DefaultVerifyTimeout
	}
	if c.IndexChunkSize < 1 || c.DeleteChunkSize < 1 {
		return errors.New("config: chunk sizes must be positive")
	}
	if c.MaxBisectDepth < 0 {
		return errors.New("config: max bisect depth cannot be negative")
	}
	return nil
}

// FromEnv builds a Config from the environment, leaving unset values at their
// defaults.
func FromEnv() (Config, error) {
	var c Config

	for _, v := range []struct {
		key    string
		target *int
	}{
		{"ESYNC_INDEX_CHUNK_SIZE", &c.IndexChunkSize},
		{"ESYNC_DELETE_CHUNK_SIZE", &c.DeleteChunkSize},
		{"ESYNC_SERIALIZER_WORKERS", &c.SerializerWorkers},
		{"ESYNC_MAX_BISECT_DEPTH", &c.MaxBisectDepth},
		{"ESYNC_TASK_RETRIES", &c.TaskRetries},
	} {
		if s := os.Getenv(v.key); s != "" {
			asInt, err := strconv.Atoi(s)
			if err != nil {
				return c, errors.Wrapf(err, "parse %s as int", v.key)
			}
			*v.target = asInt
		}
	}

	if s := os.Getenv("ESYNC_SCOPE_TIMEOUT"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return c, errors.Wrap(err, "parse ESYNC_SCOPE_TIMEOUT as duration")
		}
		c.ScopeTimeout = d
	}

	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}
