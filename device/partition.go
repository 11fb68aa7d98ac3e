package device

import (
	"encoding/binary"
	"fmt"

	cerrors "github.com/cockroachdb/errors"

	"github.com/loadstone-boot/loadstone/status"
)

// Partition tables are probed on disk devices after registration. Each valid
// partition becomes a child device named "<parent>,<index>" whose reads go
// through the parent at the partition offset. GPT is detected first via its
// protective MBR; a hybrid MBR is handled by the MBR code since the two
// tables should be in sync.

// MBR layout.
const (
	mbrEntryOffset = 446
	mbrEntrySize   = 16
	mbrEntryCount  = 4
	mbrSignature   = 0xaa55
	mbrSigOffset   = 510

	mbrTypeGPTProtective = 0xee
)

// GPT layout. The header occupies the second sector; only the fields the
// prober needs are read from each entry.
const (
	gptSignature      uint64 = 0x5452415020494645 // "EFI PART"
	gptEntryLBAOffset        = 72
	gptNumEntries            = 80
	gptEntrySize             = 84
	gptEntryMinSize          = 48
)

// partitionOps serves reads for one partition through its parent device.
type partitionOps struct {
	parent *Device
	table  string
	id     int
	lba    uint64
	size   uint64
}

func (p *partitionOps) Read(buf []byte, offset uint64) error {
	if offset+uint64(len(buf)) > p.size {
		return cerrors.Wrapf(status.ErrEndOfFile,
			"read of 0x%x bytes at 0x%x beyond partition end", len(buf), offset)
	}
	return p.parent.Read(buf, p.lba*SectorSize+offset)
}

func (p *partitionOps) Size() uint64 { return p.size }

func (p *partitionOps) Identify() string {
	return fmt.Sprintf("%s partition %d @ %d", p.table, p.id, p.lba)
}

// SectorSize is the logical block size partition tables are addressed in.
const SectorSize uint64 = 512

// ProbePartitions looks for a partition table on a disk device and registers
// a child device for every valid partition found. It returns the children so
// the platform can probe their filesystems in turn. A device with no
// recognizable table is left alone.
func ProbePartitions(reg *Registry, parent *Device) ([]*Device, error) {
	blocks := parent.Size() / SectorSize
	if blocks == 0 {
		return nil, nil
	}

	sector := make([]byte, SectorSize)
	if err := parent.Read(sector, 0); err != nil {
		if cerrors.Is(err, status.ErrEndOfFile) {
			return nil, nil
		}
		return nil, err
	}

	p := &partitionProbe{reg: reg, parent: parent, blocks: blocks}
	if found, err := p.probeGPT(sector); found || err != nil {
		return p.children, err
	}
	if found, err := p.probeMBR(sector); found || err != nil {
		return p.children, err
	}
	return nil, nil
}

type partitionProbe struct {
	reg      *Registry
	parent   *Device
	blocks   uint64
	children []*Device
}

// add registers one partition as a child device.
func (p *partitionProbe) add(table string, id int, lba, blocks uint64) error {
	ops := &partitionOps{
		parent: p.parent,
		table:  table,
		id:     id,
		lba:    lba,
		size:   blocks * SectorSize,
	}
	child := New(fmt.Sprintf("%s,%d", p.parent.Name, id), p.parent.Type, ops)
	if err := p.reg.Register(child); err != nil {
		return err
	}
	p.children = append(p.children, child)
	return nil
}

// mbrEntry is one decoded MBR partition record.
type mbrEntry struct {
	bootable uint8
	typ      uint8
	startLBA uint64
	sectors  uint64
}

func decodeMBREntries(sector []byte) [mbrEntryCount]mbrEntry {
	var out [mbrEntryCount]mbrEntry
	for i := range out {
		rec := sector[mbrEntryOffset+i*mbrEntrySize:]
		out[i] = mbrEntry{
			bootable: rec[0],
			typ:      rec[4],
			startLBA: uint64(binary.LittleEndian.Uint32(rec[8:])),
			sectors:  uint64(binary.LittleEndian.Uint32(rec[12:])),
		}
	}
	return out
}

func mbrSigValid(sector []byte) bool {
	return binary.LittleEndian.Uint16(sector[mbrSigOffset:]) == mbrSignature
}

func (p *partitionProbe) mbrEntryValid(e *mbrEntry) bool {
	return e.typ != 0 &&
		(e.bootable == 0 || e.bootable == 0x80) &&
		e.startLBA != 0 &&
		e.startLBA < p.blocks &&
		e.startLBA+e.sectors <= p.blocks
}

// Extended partition types. 0x5 is nominally CHS addressed and 0xf LBA, but
// they are treated identically.
func mbrEntryExtended(e *mbrEntry) bool {
	switch e.typ {
	case 0x5, 0xf, 0x85:
		return true
	}
	return false
}

func (p *partitionProbe) probeMBR(sector []byte) (bool, error) {
	if !mbrSigValid(sector) {
		return false, nil
	}

	entries := decodeMBREntries(sector)
	if entries[0].typ == mbrTypeGPTProtective {
		return false, nil
	}

	seenExtended := false
	for i := range entries {
		e := &entries[i]
		if !p.mbrEntryValid(e) {
			continue
		}

		if mbrEntryExtended(e) {
			if seenExtended {
				p.reg.log.Warn("ignoring extra extended partition",
					"device", p.parent.Name, "index", i)
				continue
			}
			seenExtended = true
			if err := p.walkExtended(e.startLBA); err != nil {
				return true, err
			}
			continue
		}

		if err := p.add("MBR", i, e.startLBA, e.sectors); err != nil {
			return true, err
		}
	}
	return true, nil
}

// walkExtended follows the EBR chain of an extended partition. Logical
// partitions number from 4. Each EBR's first record is the partition, offset
// from the EBR itself; the second points at the next EBR, offset from the
// extended partition's start.
func (p *partitionProbe) walkExtended(base uint64) error {
	id := mbrEntryCount
	sector := make([]byte, SectorSize)

	for curr := base; curr != 0; {
		if err := p.parent.Read(sector, curr*SectorSize); err != nil {
			p.reg.log.Warn("unreadable extended boot record",
				"device", p.parent.Name, "lba", curr)
			return nil
		}
		if !mbrSigValid(sector) {
			p.reg.log.Warn("corrupt extended partition table", "device", p.parent.Name)
			return nil
		}

		entries := decodeMBREntries(sector)
		part, next := entries[0], entries[1]

		next.startLBA += base
		prev := curr
		curr = 0
		if p.mbrEntryValid(&next) && mbrEntryExtended(&next) && next.startLBA > prev {
			curr = next.startLBA
		}

		part.startLBA += prev
		if !p.mbrEntryValid(&part) {
			continue
		}
		if err := p.add("MBR", id, part.startLBA, part.sectors); err != nil {
			return err
		}
		id++
	}
	return nil
}

func (p *partitionProbe) probeGPT(sector []byte) (bool, error) {
	if !mbrSigValid(sector) {
		return false, nil
	}
	if entries := decodeMBREntries(sector); entries[0].typ != mbrTypeGPTProtective {
		return false, nil
	}

	header := make([]byte, SectorSize)
	if err := p.parent.Read(header, SectorSize); err != nil {
		return false, nil
	}
	if binary.LittleEndian.Uint64(header[0:]) != gptSignature {
		return false, nil
	}

	entryLBA := binary.LittleEndian.Uint64(header[gptEntryLBAOffset:])
	numEntries := binary.LittleEndian.Uint32(header[gptNumEntries:])
	entrySize := uint64(binary.LittleEndian.Uint32(header[gptEntrySize:]))
	if entrySize < gptEntryMinSize {
		return true, cerrors.Wrapf(status.ErrDeviceError,
			"GPT on %s has entry size %d", p.parent.Name, entrySize)
	}

	entry := make([]byte, gptEntryMinSize)
	for i := uint32(0); i < numEntries; i++ {
		offset := entryLBA*SectorSize + uint64(i)*entrySize
		if err := p.parent.Read(entry, offset); err != nil {
			return true, cerrors.Wrapf(err, "reading GPT entry %d on %s", i, p.parent.Name)
		}

		// An all-zero type GUID marks an unused slot.
		used := false
		for _, b := range entry[:16] {
			if b != 0 {
				used = true
				break
			}
		}
		if !used {
			continue
		}

		lba := binary.LittleEndian.Uint64(entry[32:])
		count := binary.LittleEndian.Uint64(entry[40:]) - lba + 1
		if lba >= p.blocks || lba+count > p.blocks {
			p.reg.log.Warn("partition outside range of device",
				"device", p.parent.Name, "index", i)
			continue
		}

		if err := p.add("GPT", int(i), lba, count); err != nil {
			return true, err
		}
	}
	return true, nil
}
