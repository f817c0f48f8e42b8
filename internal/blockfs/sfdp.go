package blockfs

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/md4"
)

// SPIBus is the transport this probe rides on: a single in-flight
// transaction bracketed by Start/Stop, with Write sending command/address
// bytes and Receive reading the response. The SPI bus transport primitives
// themselves (start/write/receive/stop) are an external collaborator;
// this package only consumes the interface, never implements it.
type SPIBus interface {
	Start() error
	Write(b []byte) error
	Receive(buf []byte) error
	Stop() error
}

const (
	opcodeReadJEDECID = 0x9F
	opcodeReadSFDP    = 0x5A

	sfdpSignature uint32 = 0x50444653
	sfdpReserved  byte   = 0xFF

	sfdpMinParamDwords = 10
)

// FastReadKind identifies one of the six fast-read I/O line combinations
// SFDP describes, named "lines-for-opcode-address-data".
type FastReadKind int

const (
	FastRead112 FastReadKind = iota
	FastRead122
	FastRead144
	FastRead114
	FastRead222
	FastRead444
)

func (k FastReadKind) String() string {
	switch k {
	case FastRead112:
		return "1-1-2"
	case FastRead122:
		return "1-2-2"
	case FastRead144:
		return "1-4-4"
	case FastRead114:
		return "1-1-4"
	case FastRead222:
		return "2-2-2"
	case FastRead444:
		return "4-4-4"
	default:
		return "unknown"
	}
}

// FastReadMode is the opcode/wait-state/mode-bit triplet for one fast-read
// I/O combination.
type FastReadMode struct {
	Opcode     byte
	WaitStates uint8
	ModeBits   uint8
}

// EraseSector is one of up to four erase granularities a part exposes,
// each with its own erase opcode.
type EraseSector struct {
	Opcode byte
	Size   uint32
}

// FlashProfile is everything the probe discovered about the attached part.
type FlashProfile struct {
	JEDECID      [3]byte
	DensityBytes uint64
	AddressWidth uint8 // 2, 3, or 4
	EraseSectors []EraseSector
	FastReads    map[FastReadKind]FastReadMode
	// TableChecksum is an MD4 digest of the raw base parameter table,
	// exposed so a caller re-probing the same part (e.g. after a reset)
	// can log a corruption signal on mismatch. It is never a security
	// boundary, consistent with this store's "no cryptographic integrity"
	// scope.
	TableChecksum [md4.Size]byte
}

// SfdpProbe issues READ JEDEC ID and READ SFDP over an SPIBus and decodes
// the JEDEC-216-style descriptor into a FlashProfile.
type SfdpProbe struct {
	bus SPIBus
	log *logrus.Entry
}

func NewSfdpProbe(bus SPIBus) *SfdpProbe {
	return &SfdpProbe{bus: bus, log: logrus.WithField("component", "sfdp")}
}

// Probe reads JEDEC ID then the SFDP header and parameter tables, returning
// a decoded FlashProfile or a typed error. IoError on transport failure,
// Corrupt on signature/reserved-byte mismatch. No retries are attempted at
// this layer.
func (p *SfdpProbe) Probe() (*FlashProfile, error) {
	jedec, err := p.readJEDECID()
	if err != nil {
		return nil, err
	}

	header, err := p.readBytes(0, 8)
	if err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(header[0:4]) != sfdpSignature {
		p.log.Warn("sfdp: bad signature, falling back to conservative defaults")
		return nil, newErr(KindCorrupt, "probe", "", fmt.Errorf("bad SFDP signature"))
	}
	if header[7] != sfdpReserved {
		return nil, newErr(KindCorrupt, "probe", "", fmt.Errorf("bad SFDP header reserved byte"))
	}
	headerCount := header[6]

	profile := &FlashProfile{JEDECID: jedec, FastReads: make(map[FastReadKind]FastReadMode)}

	for n := 0; n <= int(headerCount); n++ {
		ph, err := p.readBytes(uint32(8+n*8), 8)
		if err != nil {
			return nil, err
		}
		if ph[7] != sfdpReserved {
			return nil, newErr(KindCorrupt, "probe", "", fmt.Errorf("bad parameter header %d reserved byte", n))
		}
		if n != 0 {
			// only the JEDEC base table (n==0) is decoded; vendor tables
			// are left undiscovered per this spec's scope.
			continue
		}
		length := int(ph[3])
		tablePointer := uint32(ph[4]) | uint32(ph[5])<<8 | uint32(ph[6])<<16
		if length < sfdpMinParamDwords {
			return nil, newErr(KindCorrupt, "probe", "", fmt.Errorf("base table too short: %d dwords", length))
		}
		tableBytes, err := p.readBytes(tablePointer, length*4)
		if err != nil {
			return nil, err
		}
		if err := decodeBaseTable(tableBytes, profile); err != nil {
			return nil, err
		}
		profile.TableChecksum = sfdpChecksum(tableBytes)
	}

	return profile, nil
}

func (p *SfdpProbe) readJEDECID() ([3]byte, error) {
	var id [3]byte
	if err := p.bus.Start(); err != nil {
		return id, newErr(KindIO, "read_jedec_id", "", err)
	}
	defer p.bus.Stop()
	if err := p.bus.Write([]byte{opcodeReadJEDECID}); err != nil {
		return id, newErr(KindIO, "read_jedec_id", "", err)
	}
	buf := make([]byte, 3)
	if err := p.bus.Receive(buf); err != nil {
		return id, newErr(KindIO, "read_jedec_id", "", err)
	}
	copy(id[:], buf)
	return id, nil
}

func (p *SfdpProbe) readBytes(addr uint32, n int) ([]byte, error) {
	if err := p.bus.Start(); err != nil {
		return nil, newErr(KindIO, "read_sfdp", "", err)
	}
	defer p.bus.Stop()
	cmd := []byte{
		opcodeReadSFDP,
		byte(addr >> 16), byte(addr >> 8), byte(addr),
		0x00, // one dummy byte
	}
	if err := p.bus.Write(cmd); err != nil {
		return nil, newErr(KindIO, "read_sfdp", "", err)
	}
	buf := make([]byte, n)
	if err := p.bus.Receive(buf); err != nil {
		return nil, newErr(KindIO, "read_sfdp", "", err)
	}
	return buf, nil
}

// decodeBaseTable decodes the first 10 dwords of the JEDEC base parameter
// table: dword0 address width, dword1 density (+high-density flag),
// dwords2-3 up to four erase sector types, dwords4-9 the six fast-read
// opcode/wait-state/mode-bit triplets.
func decodeBaseTable(b []byte, profile *FlashProfile) error {
	if len(b) < sfdpMinParamDwords*4 {
		return newErr(KindCorrupt, "decode", "", fmt.Errorf("base table truncated"))
	}
	dword := func(n int) uint32 { return binary.LittleEndian.Uint32(b[n*4 : n*4+4]) }

	switch dword(0) & 0x3 {
	case 0:
		profile.AddressWidth = 3
	case 1:
		profile.AddressWidth = 3
	case 2:
		profile.AddressWidth = 4
	default:
		return newErr(KindCorrupt, "decode", "", fmt.Errorf("reserved address width code"))
	}

	d2 := dword(1)
	isHighDensity := d2&0x80000000 != 0
	density := d2 &^ 0x80000000
	var bits uint64
	if isHighDensity {
		bits = uint64(1) << density
	} else {
		bits = uint64(density) + 1
	}
	profile.DensityBytes = bits / 8

	for i := 0; i < 2; i++ {
		d := dword(2 + i)
		for half := 0; half < 2; half++ {
			v := uint16(d >> (16 * half))
			sizeExp := byte(v)
			opcode := byte(v >> 8)
			if sizeExp == 0 && opcode == 0 {
				continue
			}
			profile.EraseSectors = append(profile.EraseSectors, EraseSector{
				Opcode: opcode,
				Size:   1 << sizeExp,
			})
		}
	}

	kinds := []FastReadKind{FastRead112, FastRead122, FastRead144, FastRead114, FastRead222, FastRead444}
	for i, kind := range kinds {
		d := dword(4 + i)
		profile.FastReads[kind] = FastReadMode{
			Opcode:     byte(d),
			ModeBits:   byte(d >> 8),
			WaitStates: uint8(d>>16) & 0x1F,
		}
	}

	return nil
}

// sfdpChecksum runs MD4 over the raw base table bytes as a cheap,
// non-cryptographic corruption signal, never a security boundary. Probe
// only stores the digest in FlashProfile.TableChecksum; nothing in this
// package compares it against an earlier value.
func sfdpChecksum(b []byte) [md4.Size]byte {
	h := md4.New()
	_, _ = h.Write(b)
	var out [md4.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}
