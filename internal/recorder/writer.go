package recorder

import (
	"bufio"
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"ordercore/internal/schema"
)

var (
	ErrQueueFull       = errors.New("journal: queue full")
	ErrClosed          = errors.New("journal: writer closed")
	ErrNotStarted      = errors.New("journal: writer not started")
	ErrAlreadyStarted  = errors.New("journal: writer already started")
	ErrPayloadTooLarge = errors.New("journal: payload too large")
)

const maxPayloadLen = uint64(^uint32(0))

// Writer appends records to rotating segment files from a buffered queue.
// Records are written by one goroutine in the order they were accepted.
type Writer struct {
	cfg Config
	ch  chan record
	wg  sync.WaitGroup
	err atomic.Value

	started uint32
	closed  uint32
	written uint64
}

type record struct {
	header  schema.EventHeader
	payload []byte
}

// NewWriter creates a journal writer and ensures the target directory exists.
func NewWriter(cfg Config) (*Writer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create journal dir").With("dir", cfg.Dir)
	}
	return &Writer{cfg: cfg, ch: make(chan record, cfg.QueueSize)}, nil
}

// Start runs the writer loop in a new goroutine.
func (w *Writer) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&w.started, 0, 1) {
		return ErrAlreadyStarted
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
	return nil
}

// Close stops accepting records, writes what is queued and syncs the segment.
func (w *Writer) Close() error {
	if atomic.CompareAndSwapUint32(&w.closed, 0, 1) {
		close(w.ch)
	}
	w.wg.Wait()
	return w.Err()
}

// Err returns the first error observed by the writer, if any.
func (w *Writer) Err() error {
	if v := w.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Written returns the number of records written so far.
func (w *Writer) Written() uint64 { return atomic.LoadUint64(&w.written) }

// TryAppend enqueues a record without blocking. The payload is copied.
func (w *Writer) TryAppend(header schema.EventHeader, payload []byte) error {
	switch {
	case atomic.LoadUint32(&w.closed) != 0:
		return ErrClosed
	case atomic.LoadUint32(&w.started) == 0:
		return ErrNotStarted
	case uint64(len(payload)) > maxPayloadLen:
		return ErrPayloadTooLarge
	}
	if err := w.Err(); err != nil {
		return err
	}
	if header.Version == 0 {
		header.Version = schema.SchemaVersion
	}
	rec := record{header: header, payload: append([]byte(nil), payload...)}
	select {
	case w.ch <- rec:
		return nil
	default:
		return ErrQueueFull
	}
}

func (w *Writer) run(ctx context.Context) {
	var (
		seg   *segment
		segID uint64
		flush <-chan time.Time
		syncC <-chan time.Time
	)
	if w.cfg.FlushInterval > 0 {
		t := time.NewTicker(w.cfg.FlushInterval)
		defer t.Stop()
		flush = t.C
	}
	if w.cfg.SyncInterval > 0 {
		t := time.NewTicker(w.cfg.SyncInterval)
		defer t.Stop()
		syncC = t.C
	}
	defer func() {
		if err := seg.close(); err != nil {
			w.setErr(err)
		}
	}()

	write := func(rec record) bool {
		next, err := w.write(seg, &segID, rec)
		seg = next
		if err != nil {
			w.setErr(err)
			logs.Errorf("journal: write record seq %d, err: %+v", rec.header.Seq, err)
			return false
		}
		atomic.AddUint64(&w.written, 1)
		return true
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case rec, ok := <-w.ch:
					if !ok || !write(rec) {
						return
					}
				default:
					return
				}
			}
		case rec, ok := <-w.ch:
			if !ok || !write(rec) {
				return
			}
		case <-flush:
			if err := seg.flush(); err != nil {
				w.setErr(err)
				return
			}
		case <-syncC:
			if err := seg.sync(); err != nil {
				w.setErr(err)
				return
			}
		}
	}
}

func (w *Writer) write(seg *segment, segID *uint64, rec record) (*segment, error) {
	now := time.Now().UTC()
	size := int64(recordHeaderSize + len(rec.payload) + recordChecksumSize)
	if seg.full(w.cfg, now, size) {
		if err := seg.close(); err != nil {
			return nil, err
		}
		opened, err := w.open(segID, now)
		if err != nil {
			return nil, err
		}
		seg = opened
	}

	putHeader(seg.header[:], rec.header, len(rec.payload))
	binary.LittleEndian.PutUint32(seg.sum[:], checksum(seg.header[:], rec.payload))
	for _, part := range [][]byte{seg.header[:], rec.payload, seg.sum[:]} {
		if _, err := seg.buf.Write(part); err != nil {
			return seg, err
		}
	}
	seg.size += size
	return seg, nil
}

func (w *Writer) open(segID *uint64, now time.Time) (*segment, error) {
	stamp := now.Format("20060102-150405")
	for {
		*segID++
		name := fmt.Sprintf("%s-%s-%06d%s", w.cfg.FilePrefix, stamp, *segID, segmentSuffix)
		file, err := os.OpenFile(filepath.Join(w.cfg.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if err != nil {
			if stderrors.Is(err, os.ErrExist) {
				continue
			}
			return nil, errors.Wrap(err, "open journal segment").With("name", name)
		}
		return &segment{file: file, buf: bufio.NewWriterSize(file, w.cfg.BufferSize), openedAt: now}, nil
	}
}

func (w *Writer) setErr(err error) {
	if err != nil && w.err.Load() == nil {
		w.err.Store(err)
	}
}

type segment struct {
	file     *os.File
	buf      *bufio.Writer
	size     int64
	openedAt time.Time
	header   [recordHeaderSize]byte
	sum      [recordChecksumSize]byte
}

func (s *segment) full(cfg Config, now time.Time, next int64) bool {
	if s == nil {
		return true
	}
	if cfg.SegmentMaxBytes > 0 && s.size+next > cfg.SegmentMaxBytes {
		return true
	}
	return cfg.SegmentMaxDuration > 0 && now.Sub(s.openedAt) >= cfg.SegmentMaxDuration
}

func (s *segment) flush() error {
	if s == nil {
		return nil
	}
	return s.buf.Flush()
}

func (s *segment) sync() error {
	if s == nil {
		return nil
	}
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *segment) close() error {
	if s == nil {
		return nil
	}
	if err := s.sync(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}
