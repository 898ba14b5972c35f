package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"nre/pkg/logger"
	"nre/pkg/metrics"
	"nre/pkg/region"
)

// Segment is shared memory of fixed capacity, mapped at an address that may
// differ in every process.
type Segment interface {
	Bytes() []byte
}

// RWLocker is a named lock shared between processes.
type RWLocker interface {
	Lock() error
	Unlock() error
	RLock() error
	RUnlock() error
}

// Resetter is implemented by locks that can be recreated by an operator.
type Resetter interface {
	Reset() error
}

var (
	// ErrStale reports a publish that lost to a newer published rule base.
	ErrStale        = errors.New("cache: a newer rule base is already published")
	ErrNotPublished = errors.New("cache: nothing published")
	ErrDigest       = errors.New("cache: payload digest mismatch")
	ErrTooSmall     = errors.New("cache: segment too small")
)

// HeaderSize bytes at the start of the segment describe the payload that
// follows them.
const HeaderSize = 128

const formatVersion = 1

var magic = [8]byte{'N', 'R', 'E', 'C', 'A', 'C', 'H', 'E'}

type header struct {
	Version         uint64
	UpdateTimestamp int64
	Layout          Layout
	Digest          [blake2b.Size256]byte
}

// Header field offsets.
const (
	hMagic    = 0
	hFormat   = 8
	hVersion  = 16
	hUpdated  = 24
	hDataSize = 32
	hRoot     = 40
	hTableOff = 44
	hObjects  = 48
	hSitesOff = 52
	hSites    = 56
	hDigest   = 64
)

func readHeader(b []byte) (header, bool) {
	if len(b) < HeaderSize || !bytes.Equal(b[hMagic:hMagic+8], magic[:]) ||
		binary.LittleEndian.Uint32(b[hFormat:]) != formatVersion {
		return header{}, false
	}
	le := binary.LittleEndian
	h := header{
		Version:         le.Uint64(b[hVersion:]),
		UpdateTimestamp: int64(le.Uint64(b[hUpdated:])),
		Layout: Layout{
			DataSize:   int(le.Uint64(b[hDataSize:])),
			Root:       le.Uint32(b[hRoot:]),
			TableOff:   int(le.Uint32(b[hTableOff:])),
			NumObjects: int(le.Uint32(b[hObjects:])),
			SitesOff:   int(le.Uint32(b[hSitesOff:])),
			NumSites:   int(le.Uint32(b[hSites:])),
		},
	}
	copy(h.Digest[:], b[hDigest:])
	return h, true
}

func writeHeader(b []byte, h header) {
	le := binary.LittleEndian
	copy(b[hMagic:], magic[:])
	le.PutUint32(b[hFormat:], formatVersion)
	le.PutUint64(b[hVersion:], h.Version)
	le.PutUint64(b[hUpdated:], uint64(h.UpdateTimestamp))
	le.PutUint64(b[hDataSize:], uint64(h.Layout.DataSize))
	le.PutUint32(b[hRoot:], h.Layout.Root)
	le.PutUint32(b[hTableOff:], uint32(h.Layout.TableOff))
	le.PutUint32(b[hObjects:], uint32(h.Layout.NumObjects))
	le.PutUint32(b[hSitesOff:], uint32(h.Layout.SitesOff))
	le.PutUint32(b[hSites:], uint32(h.Layout.NumSites))
	copy(b[hDigest:], h.Digest[:])
}

// Info describes the published generation without decoding it.
type Info struct {
	Published       bool
	Version         uint64
	UpdateTimestamp time.Time
	DataSize        int
	Objects         int
	Pointers        int
	Capacity        int
	Digest          [blake2b.Size256]byte
}

// Publisher writes rule bases into a segment.
type Publisher struct {
	seg  Segment
	lock RWLocker
	log  *slog.Logger
}

func NewPublisher(seg Segment, lock RWLocker, log *slog.Logger) *Publisher {
	return &Publisher{seg: seg, lock: lock, log: logger.Or(log)}
}

// Publish encodes c and copies it into the segment when c is newer than the
// published rule base, when nothing was published yet, or when force is set.
// Otherwise it returns ErrStale. On any error the segment keeps its previous
// contents. The new version number is returned.
func (p *Publisher) Publish(ctx context.Context, c *Cache, force bool) (version uint64, err error) {
	defer func() {
		result := metrics.Result(err)
		if errors.Is(err, ErrStale) {
			result = "stale"
		}
		metrics.CachePublish.WithLabelValues(result).Inc()
	}()

	capacity := len(p.seg.Bytes()) - HeaderSize
	if capacity <= 0 {
		return 0, ErrTooSmall
	}
	scratch := region.New(region.WithBlockSize(capacity), region.WithLimit(capacity))
	defer scratch.Free()

	data, layout, err := Encode(scratch, c)
	if errors.Is(err, region.ErrOutOfMemory) {
		return 0, fmt.Errorf("%w: rule base does not fit in %d bytes", ErrTooSmall, capacity)
	} else if err != nil {
		return 0, fmt.Errorf("cache: encode: %w", err)
	}
	digest := blake2b.Sum256(data)

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := p.lock.Lock(); err != nil {
		return 0, fmt.Errorf("cache: writer lock: %w", err)
	}
	defer func() {
		if uerr := p.lock.Unlock(); uerr != nil && err == nil {
			err = fmt.Errorf("cache: writer unlock: %w", uerr)
		}
	}()

	seg := p.seg.Bytes()
	prev, published := readHeader(seg)
	if published && !force && unixNano(c.UpdateTimestamp) <= prev.UpdateTimestamp {
		p.log.Debug("rule cache publish skipped, published copy is newer",
			"rule_base", c.RuleBase, "version", prev.Version)
		return prev.Version, ErrStale
	}

	h := header{
		Version:         prev.Version + 1,
		UpdateTimestamp: unixNano(c.UpdateTimestamp),
		Layout:          layout,
		Digest:          digest,
	}
	copy(seg[HeaderSize:], data)
	writeHeader(seg, h)

	p.log.Info("rule cache published",
		"rule_base", c.RuleBase,
		"version", h.Version,
		"bytes", layout.DataSize,
		"objects", layout.NumObjects,
		"pointers", layout.NumSites)
	return h.Version, nil
}

// Subscriber restores rule bases from a segment and keeps the last one.
type Subscriber struct {
	seg  Segment
	lock RWLocker
	log  *slog.Logger

	mu  sync.Mutex
	cur *Cache
}

func NewSubscriber(seg Segment, lock RWLocker, log *slog.Logger) *Subscriber {
	return &Subscriber{seg: seg, lock: lock, log: logger.Or(log)}
}

// snapshot copies the header and payload out under the shared lock.
func (s *Subscriber) snapshot() (header, []byte, error) {
	if err := s.lock.RLock(); err != nil {
		return header{}, nil, fmt.Errorf("cache: reader lock: %w", err)
	}
	seg := s.seg.Bytes()
	h, ok := readHeader(seg)
	var data []byte
	if ok && h.Layout.DataSize <= len(seg)-HeaderSize {
		data = make([]byte, h.Layout.DataSize)
		copy(data, seg[HeaderSize:])
	}
	if err := s.lock.RUnlock(); err != nil {
		return header{}, nil, fmt.Errorf("cache: reader unlock: %w", err)
	}
	if !ok {
		return header{}, nil, ErrNotPublished
	}
	if data == nil {
		return header{}, nil, fmt.Errorf("%w: data size %d", ErrCorrupt, h.Layout.DataSize)
	}
	return h, data, nil
}

// Restore decodes a private copy of the published rule base.
func (s *Subscriber) Restore(ctx context.Context) (c *Cache, err error) {
	defer func() { metrics.CacheRestore.WithLabelValues(metrics.Result(err)).Inc() }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, data, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	if blake2b.Sum256(data) != h.Digest {
		return nil, ErrDigest
	}
	c, err = Decode(data, h.Layout)
	if err != nil {
		return nil, err
	}
	c.Version = h.Version
	c.UpdateTimestamp = fromUnixNano(h.UpdateTimestamp)

	s.mu.Lock()
	s.cur = c
	s.mu.Unlock()
	s.log.Debug("rule cache restored", "rule_base", c.RuleBase, "version", c.Version)
	return c, nil
}

// Info reads the segment header.
func (s *Subscriber) Info(ctx context.Context) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	if err := s.lock.RLock(); err != nil {
		return Info{}, fmt.Errorf("cache: reader lock: %w", err)
	}
	seg := s.seg.Bytes()
	h, ok := readHeader(seg)
	if err := s.lock.RUnlock(); err != nil {
		return Info{}, fmt.Errorf("cache: reader unlock: %w", err)
	}
	info := Info{Capacity: len(seg) - HeaderSize}
	if !ok {
		return info, nil
	}
	info.Published = true
	info.Version = h.Version
	info.UpdateTimestamp = fromUnixNano(h.UpdateTimestamp)
	info.DataSize = h.Layout.DataSize
	info.Objects = h.Layout.NumObjects
	info.Pointers = h.Layout.NumSites
	info.Digest = h.Digest
	return info, nil
}

// Current returns the last restored rule base, restoring again only when
// the published version changed since.
func (s *Subscriber) Current(ctx context.Context) (*Cache, error) {
	info, err := s.Info(ctx)
	if err != nil {
		return nil, err
	}
	if !info.Published {
		return nil, ErrNotPublished
	}
	s.mu.Lock()
	cur := s.cur
	s.mu.Unlock()
	if cur != nil && cur.Version == info.Version {
		return cur, nil
	}
	return s.Restore(ctx)
}

// ResetMutex recreates the segment lock. Use it only when no other process is
// running, to recover from a process that died holding the lock.
func ResetMutex(lock Resetter) error {
	if err := lock.Reset(); err != nil {
		return fmt.Errorf("cache: reset mutex: %w", err)
	}
	return nil
}
