package recorder

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/yanun0323/errors"

	"ordercore/internal/schema"
)

// PlaybackConfig controls journal playback.
type PlaybackConfig struct {
	Dir        string
	FilePrefix string
	// Speed paces playback relative to recorded time. Zero replays as fast as possible.
	Speed           float64
	UseInitTime     bool
	DisableChecksum bool
	MaxPayloadSize  int
	// AfterSeq skips records with Seq <= AfterSeq.
	AfterSeq uint64
}

// Sleeper paces playback. Tests swap in an instant implementation.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type wallSleeper struct{}

func (wallSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Handler receives each replayed record. The payload is only valid during the call.
type Handler func(header schema.EventHeader, payload []byte) error

// Playback replays journal records in file order.
type Playback struct {
	cfg     PlaybackConfig
	sleeper Sleeper
}

// NewPlayback validates the config and creates a playback engine.
func NewPlayback(cfg PlaybackConfig) (*Playback, error) {
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = defaultFilePrefix
	}
	switch {
	case cfg.Dir == "":
		return nil, errors.New("invalid playback config: dir is empty")
	case cfg.Speed < 0:
		return nil, errors.New("invalid playback config: speed must be >= 0")
	case cfg.MaxPayloadSize < 0:
		return nil, errors.New("invalid playback config: max payload size must be >= 0")
	}
	return &Playback{cfg: cfg, sleeper: wallSleeper{}}, nil
}

// WithSleeper swaps the pacing implementation.
func (p *Playback) WithSleeper(s Sleeper) *Playback {
	if s != nil {
		p.sleeper = s
	}
	return p
}

// Run replays records and calls the handler for each one.
func (p *Playback) Run(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("playback handler is nil")
	}
	files, err := p.segments()
	if err != nil {
		return err
	}
	var prev int64
	for _, path := range files {
		if err := p.play(ctx, path, handler, &prev); err != nil {
			return err
		}
	}
	return nil
}

func (p *Playback) segments() ([]string, error) {
	entries, err := os.ReadDir(p.cfg.Dir)
	if err != nil {
		return nil, errors.Wrap(err, "read journal dir").With("dir", p.cfg.Dir)
	}
	prefix := p.cfg.FilePrefix + "-"
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		files = append(files, filepath.Join(p.cfg.Dir, name))
	}
	slices.Sort(files)
	return files, nil
}

func (p *Playback) play(ctx context.Context, path string, handler Handler, prev *int64) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := NewReader(file, ReaderOptions{
		DisableChecksum: p.cfg.DisableChecksum,
		MaxPayloadSize:  p.cfg.MaxPayloadSize,
	})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, payload, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read journal").With("path", path)
		}
		if header.Seq <= p.cfg.AfterSeq && p.cfg.AfterSeq > 0 {
			continue
		}
		if err := p.pace(ctx, header, prev); err != nil {
			return err
		}
		if err := handler(header, payload); err != nil {
			return err
		}
	}
}

func (p *Playback) pace(ctx context.Context, header schema.EventHeader, prev *int64) error {
	if p.cfg.Speed <= 0 {
		return nil
	}
	current := header.TsEvent
	if p.cfg.UseInitTime {
		current = header.TsInit
	}
	if current <= 0 {
		return nil
	}
	if *prev > 0 && current > *prev {
		if err := p.sleeper.Sleep(ctx, time.Duration(float64(current-*prev)/p.cfg.Speed)); err != nil {
			return err
		}
	}
	*prev = current
	return nil
}
