package recorder

import (
	"time"

	"github.com/yanun0323/errors"
)

const (
	defaultSegmentMaxBytes int64 = 256 << 20
	defaultQueueSize             = 4096
	defaultBufferSize            = 64 * 1024
	defaultFilePrefix            = "journal"
	segmentSuffix                = ".jnl"
)

var defaultSegmentMaxDuration = time.Hour

// Config controls journal writer behavior.
type Config struct {
	Dir                string        `json:"dir"`
	SegmentMaxBytes    int64         `json:"segmentMaxBytes"`
	SegmentMaxDuration time.Duration `json:"segmentMaxDuration"`
	QueueSize          int           `json:"queueSize"`
	BufferSize         int           `json:"bufferSize"`
	FilePrefix         string        `json:"filePrefix"`
	FlushInterval      time.Duration `json:"flushInterval"`
	SyncInterval       time.Duration `json:"syncInterval"`
}

// DefaultConfig returns a baseline configuration for the journal writer.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                dir,
		SegmentMaxBytes:    defaultSegmentMaxBytes,
		SegmentMaxDuration: defaultSegmentMaxDuration,
		QueueSize:          defaultQueueSize,
		BufferSize:         defaultBufferSize,
		FilePrefix:         defaultFilePrefix,
		FlushInterval:      100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	if c.SegmentMaxBytes == 0 {
		c.SegmentMaxBytes = defaultSegmentMaxBytes
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	switch {
	case c.Dir == "":
		return errors.New("invalid journal config: dir is empty")
	case c.SegmentMaxBytes <= 0:
		return errors.New("invalid journal config: segment max bytes must be > 0")
	case c.QueueSize <= 0:
		return errors.New("invalid journal config: queue size must be > 0")
	case c.BufferSize <= 0:
		return errors.New("invalid journal config: buffer size must be > 0")
	case c.FilePrefix == "":
		return errors.New("invalid journal config: file prefix is empty")
	case c.FlushInterval < 0 || c.SyncInterval < 0:
		return errors.New("invalid journal config: intervals must be >= 0")
	}
	return nil
}
