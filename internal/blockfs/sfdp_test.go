package blockfs

import (
	"encoding/binary"
	"testing"
)

// fakeSPIBus serves a JEDEC ID and a single-parameter-header SFDP
// descriptor from pre-built byte slices, keyed by the address encoded in
// the last READ SFDP command.
type fakeSPIBus struct {
	jedecID   []byte
	sfdpImage []byte
	lastCmd   []byte
}

func (b *fakeSPIBus) Start() error { return nil }
func (b *fakeSPIBus) Stop() error  { return nil }

func (b *fakeSPIBus) Write(cmd []byte) error {
	b.lastCmd = append([]byte{}, cmd...)
	return nil
}

func (b *fakeSPIBus) Receive(buf []byte) error {
	if len(b.lastCmd) == 1 && b.lastCmd[0] == opcodeReadJEDECID {
		copy(buf, b.jedecID)
		return nil
	}
	addr := uint32(b.lastCmd[1])<<16 | uint32(b.lastCmd[2])<<8 | uint32(b.lastCmd[3])
	copy(buf, b.sfdpImage[addr:int(addr)+len(buf)])
	return nil
}

func buildSFDPImage(baseTable []byte) []byte {
	img := make([]byte, 0, 64+len(baseTable))
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], sfdpSignature)
	header[4] = 0 // minor
	header[5] = 0 // major
	header[6] = 0 // header_count (0 => one parameter header)
	header[7] = sfdpReserved
	img = append(img, header...)

	paramHeader := make([]byte, 8)
	paramHeader[0] = 0 // jedec_id low byte for base table
	paramHeader[1] = 0 // minor
	paramHeader[2] = 0 // major
	paramHeader[3] = byte(len(baseTable) / 4)
	tablePointer := uint32(64)
	paramHeader[4] = byte(tablePointer)
	paramHeader[5] = byte(tablePointer >> 8)
	paramHeader[6] = byte(tablePointer >> 16)
	paramHeader[7] = sfdpReserved
	img = append(img, paramHeader...)

	for len(img) < int(tablePointer) {
		img = append(img, 0)
	}
	img = append(img, baseTable...)
	return img
}

func buildBaseTable(addrWidthCode uint32, density uint32, highDensity bool) []byte {
	dwords := make([]uint32, sfdpMinParamDwords)
	dwords[0] = addrWidthCode
	d2 := density
	if highDensity {
		d2 |= 0x80000000
	}
	dwords[1] = d2
	// erase sectors and fast-read dwords left zero for this test.
	b := make([]byte, len(dwords)*4)
	for i, d := range dwords {
		binary.LittleEndian.PutUint32(b[i*4:i*4+4], d)
	}
	return b
}

func newFakeBus(baseTable []byte) *fakeSPIBus {
	return &fakeSPIBus{
		jedecID:   []byte{0xEF, 0x40, 0x18},
		sfdpImage: buildSFDPImage(baseTable),
	}
}

func TestSFDPDensityDecodeLinear(t *testing.T) {
	// dword2 = {density=0x17, is_high_density=0} -> 24 bits -> 3 bytes
	table := buildBaseTable(2 /*4-byte addr*/, 0x17, false)
	bus := newFakeBus(table)
	profile, err := NewSfdpProbe(bus).Probe()
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if profile.DensityBytes != 3 {
		t.Fatalf("expected density 3 bytes, got %d", profile.DensityBytes)
	}
	if profile.AddressWidth != 4 {
		t.Fatalf("expected 4-byte address width, got %d", profile.AddressWidth)
	}
}

func TestSFDPDensityDecodeHighDensity(t *testing.T) {
	// dword2 = {density=0x19, is_high_density=1} -> 2^25 bits -> 4 MiB
	table := buildBaseTable(1, 0x19, true)
	bus := newFakeBus(table)
	profile, err := NewSfdpProbe(bus).Probe()
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	const fourMiB = 4 * 1024 * 1024
	if profile.DensityBytes != fourMiB {
		t.Fatalf("expected density %d bytes, got %d", fourMiB, profile.DensityBytes)
	}
}

func TestSFDPBadSignature(t *testing.T) {
	bus := &fakeSPIBus{
		jedecID:   []byte{0xEF, 0x40, 0x18},
		sfdpImage: make([]byte, 64),
	}
	_, err := NewSfdpProbe(bus).Probe()
	if err == nil {
		t.Fatal("expected bad signature to be rejected as Corrupt")
	}
	if e, ok := err.(*Error); !ok || e.Kind != KindCorrupt {
		t.Fatalf("expected KindCorrupt, got %v", err)
	}
}
