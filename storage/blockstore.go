package storage

import (
	"context"
	"fmt"
	"io"
	log "log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ncw/directio"
	"github.com/virtstor/virtstor"
)

// metaSlotSize is the fixed size of one volume's metadata slot in a block
// domain's metadata area. Two direct-IO blocks: the codec's record plus
// headroom for unknown keys.
const metaSlotSize = 2 * directio.BlockSize

// BlockStore keeps volume metadata in fixed-size slots of a metadata area on
// the domain's shared block device, accessed with aligned direct I/O so reads
// always see what other hosts committed, never page-cache leftovers.
//
// Slot occupancy is discovered by scanning the area at open; the scan is
// refreshed when a lookup misses, since another host may have allocated a
// slot meanwhile.
type BlockStore struct {
	domain   DomainInfo
	areaPath string
	devRoot  string

	mu    sync.Mutex
	file  *os.File
	slots map[virtstor.UUID]int
	used  map[int]bool
}

// OpenBlockStore opens the metadata area at areaPath. devRoot is the
// directory volume device nodes live under (e.g. /dev/<vg-name>).
func OpenBlockStore(areaPath, devRoot string, domain DomainInfo) (*BlockStore, error) {
	f, err := directio.OpenFile(areaPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening metadata area %s: %w", areaPath, err)
	}
	s := &BlockStore{
		domain:   domain,
		areaPath: areaPath,
		devRoot:  devRoot,
		file:     f,
		slots:    make(map[virtstor.UUID]int),
		used:     make(map[int]bool),
	}
	if err := s.rescanLocked(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the metadata area file handle.
func (s *BlockStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *BlockStore) Domain() DomainInfo {
	return s.domain
}

func (s *BlockStore) Path(img, vol virtstor.UUID) string {
	return filepath.Join(s.devRoot, vol.String())
}

// rescanLocked rebuilds the slot index by reading the area front to back.
// A slot whose first byte is zero has never been written and ends the scan.
func (s *BlockStore) rescanLocked() error {
	s.slots = make(map[virtstor.UUID]int)
	s.used = make(map[int]bool)
	buf := directio.AlignedBlock(metaSlotSize)
	for slot := 0; ; slot++ {
		n, err := s.file.ReadAt(buf, int64(slot)*metaSlotSize)
		if err == io.EOF && n == 0 {
			return nil
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("scanning metadata area %s slot %d: %w", s.areaPath, slot, err)
		}
		if n < metaSlotSize || buf[0] == 0 {
			return nil
		}
		m, derr := DecodeMeta(trimZeros(buf))
		if derr != nil {
			log.Warn("skipping undecodable metadata slot", "area", s.areaPath, "slot", slot, "error", derr.Error())
			s.used[slot] = true
			continue
		}
		// The slot's volume id rides in the record for block domains.
		vol, ok := slotVolume(m)
		if !ok {
			log.Warn("metadata slot carries no volume id", "area", s.areaPath, "slot", slot)
			s.used[slot] = true
			continue
		}
		s.slots[vol] = slot
		s.used[slot] = true
	}
}

// VolumeKey is the extra metadata key block domains use to record the slot's
// volume id (file domains get it from the filename instead).
const VolumeKey = "VOLUME"

func slotVolume(m Meta) (virtstor.UUID, bool) {
	v, ok := m.extra[VolumeKey]
	if !ok {
		return virtstor.NilUUID, false
	}
	id, err := virtstor.ParseUUID(v)
	if err != nil {
		return virtstor.NilUUID, false
	}
	return id, true
}

func (s *BlockStore) slotOf(vol virtstor.UUID) (int, bool, error) {
	if slot, ok := s.slots[vol]; ok {
		return slot, true, nil
	}
	// Another host may have allocated it since the last scan.
	if err := s.rescanLocked(); err != nil {
		return 0, false, err
	}
	slot, ok := s.slots[vol]
	return slot, ok, nil
}

func (s *BlockStore) Load(ctx context.Context, img, vol virtstor.UUID) (Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok, err := s.slotOf(vol)
	if err != nil {
		return Meta{}, err
	}
	if !ok {
		return Meta{}, fmt.Errorf("%w: %s/%s", ErrMetadataNotFound, img, vol)
	}
	return s.readSlotLocked(slot, vol)
}

func (s *BlockStore) readSlotLocked(slot int, vol virtstor.UUID) (Meta, error) {
	buf := directio.AlignedBlock(metaSlotSize)
	if _, err := s.file.ReadAt(buf, int64(slot)*metaSlotSize); err != nil && err != io.EOF {
		return Meta{}, fmt.Errorf("reading metadata slot %d: %w", slot, err)
	}
	m, err := DecodeMeta(trimZeros(buf))
	if err != nil {
		return Meta{}, fmt.Errorf("decoding metadata slot %d: %w", slot, err)
	}
	m.Volume = vol
	return m, nil
}

func (s *BlockStore) Save(ctx context.Context, m Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok, err := s.slotOf(m.Volume)
	if err != nil {
		return err
	}
	if !ok {
		slot = s.allocateSlotLocked()
	}
	if m.extra == nil {
		m.extra = make(map[string]string)
	}
	m.extra[VolumeKey] = m.Volume.String()

	data := EncodeMeta(m)
	if len(data) > metaSlotSize {
		return fmt.Errorf("metadata record of %s exceeds slot size %d", m.Volume, metaSlotSize)
	}
	buf := directio.AlignedBlock(metaSlotSize)
	copy(buf, data)
	if _, err := s.file.WriteAt(buf, int64(slot)*metaSlotSize); err != nil {
		return fmt.Errorf("writing metadata slot %d: %w", slot, err)
	}
	s.slots[m.Volume] = slot
	s.used[slot] = true
	return nil
}

func (s *BlockStore) allocateSlotLocked() int {
	for slot := 0; ; slot++ {
		if !s.used[slot] {
			return slot
		}
	}
}

func (s *BlockStore) ListImage(ctx context.Context, img virtstor.UUID) ([]Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rescanLocked(); err != nil {
		return nil, err
	}
	var metas []Meta
	for vol, slot := range s.slots {
		m, err := s.readSlotLocked(slot, vol)
		if err != nil {
			return nil, err
		}
		if m.Image == img && !m.Removed {
			metas = append(metas, m)
		}
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Volume.Compare(metas[j].Volume) < 0 })
	return metas, nil
}

func (s *BlockStore) Discard(ctx context.Context, img, vol virtstor.UUID) error {
	if err := requireStructural(s.domain, vol, "discard"); err != nil {
		return err
	}
	m, err := s.Load(ctx, img, vol)
	if err != nil {
		return err
	}
	m.Removed = true
	return s.Save(ctx, m)
}

func trimZeros(buf []byte) []byte {
	for i, b := range buf {
		if b == 0 {
			return buf[:i]
		}
	}
	return buf
}
