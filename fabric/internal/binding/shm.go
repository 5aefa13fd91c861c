package binding

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/quartz-roseline/quartz/fabric/models"
)

// clockSegmentSize is the packed shared-memory clock record: seven
// native-endian 64-bit signed integers in the order last_core_ns, mult_ppb,
// tl_nsec, u_nsec, l_nsec, u_mult_ppb, l_mult_ppb.
const clockSegmentSize = 7 * 8

// ShmClock is a read-only view of the daemon-owned clock segment. The
// daemon is the only writer; reads are not synchronized, so a torn read is
// possible and accepted as recoverable (the next call re-reads).
type ShmClock struct {
	data []byte
}

// mapClock memory-maps the received descriptor read-only and closes it
// (the mapping keeps the segment alive).
func mapClock(fd int) (*ShmClock, error) {
	defer unix.Close(fd)
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, models.NewError("binding.mapClock", models.KindConnection, err)
	}
	size := int(st.Size)
	if size < clockSegmentSize {
		size = clockSegmentSize
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, models.NewError("binding.mapClock", models.KindConnection, err)
	}
	return &ShmClock{data: data}, nil
}

// Read decodes the current clock segment from the mapped region.
func (c *ShmClock) Read() models.ClockSegment {
	var buf [clockSegmentSize]byte
	copy(buf[:], c.data)
	return decodeSegment(buf[:])
}

func decodeSegment(b []byte) models.ClockSegment {
	ne := binary.NativeEndian
	return models.ClockSegment{
		LastCoreNs: int64(ne.Uint64(b[0:])),
		MultPpb:    int64(ne.Uint64(b[8:])),
		TlNsec:     int64(ne.Uint64(b[16:])),
		UNsec:      int64(ne.Uint64(b[24:])),
		LNsec:      int64(ne.Uint64(b[32:])),
		UMultPpb:   int64(ne.Uint64(b[40:])),
		LMultPpb:   int64(ne.Uint64(b[48:])),
	}
}

// encodeSegment packs seg into the shared-memory layout. The daemon side of
// the protocol and the tests use it; the binding itself only reads.
func encodeSegment(seg models.ClockSegment) []byte {
	b := make([]byte, clockSegmentSize)
	ne := binary.NativeEndian
	ne.PutUint64(b[0:], uint64(seg.LastCoreNs))
	ne.PutUint64(b[8:], uint64(seg.MultPpb))
	ne.PutUint64(b[16:], uint64(seg.TlNsec))
	ne.PutUint64(b[24:], uint64(seg.UNsec))
	ne.PutUint64(b[32:], uint64(seg.LNsec))
	ne.PutUint64(b[40:], uint64(seg.UMultPpb))
	ne.PutUint64(b[48:], uint64(seg.LMultPpb))
	return b
}

// Close unmaps the segment.
func (c *ShmClock) Close() error {
	if c.data == nil {
		return nil
	}
	err := unix.Munmap(c.data)
	c.data = nil
	return err
}
