package ddc

import (
	"encoding/binary"
	"fmt"
)

// DDC/CI addressing. The display listens on 7-bit I2C address 0x37 (0x6E/0x6F in
// 8-bit form); the host uses 0x51 as its source address and 0x50 as the virtual
// address folded into reply checksums.
const (
	I2CAddress     = 0x37
	displayAddress = 0x6E
	hostAddress    = 0x51
	replySeed      = 0x50
)

const (
	opGetVCP      = 0x01
	opGetVCPReply = 0x02
	opSetVCP      = 0x03

	lengthFlag = 0x80

	resultOK          = 0x00
	resultUnsupported = 0x01
)

// ReplyLen is the size of a Get VCP Feature reply frame
const ReplyLen = 11

// Checksum XORs seed with every byte of data
func Checksum(seed byte, data []byte) byte {
	c := seed
	for _, b := range data {
		c ^= b
	}
	return c
}

func frame(payload ...byte) []byte {
	f := make([]byte, 0, len(payload)+3)
	f = append(f, hostAddress, lengthFlag|byte(len(payload)))
	f = append(f, payload...)
	return append(f, Checksum(displayAddress, f))
}

// EncodeGetRequest builds a Get VCP Feature request:
//
//	51 82 01 <vcp> <chk>
func EncodeGetRequest(vcp VCP) []byte {
	return frame(opGetVCP, byte(vcp))
}

// EncodeSetRequest builds a Set VCP Feature request:
//
//	51 84 03 <vcp> <hi> <lo> <chk>
func EncodeSetRequest(vcp VCP, value uint16) []byte {
	return frame(opSetVCP, byte(vcp), byte(value>>8), byte(value))
}

// DecodeSetRequest parses a frame produced by EncodeSetRequest
func DecodeSetRequest(f []byte) (VCP, uint16, error) {
	if len(f) != 7 || f[0] != hostAddress || f[1] != lengthFlag|4 || f[2] != opSetVCP {
		return 0, 0, fmt.Errorf("%w: not a set vcp request: % X", ErrInvalidFrame, f)
	}
	if Checksum(displayAddress, f[:6]) != f[6] {
		return 0, 0, fmt.Errorf("%w: set vcp request", ErrChecksum)
	}
	return VCP(f[3]), binary.BigEndian.Uint16(f[4:6]), nil
}

// DecodeGetRequest parses a frame produced by EncodeGetRequest
func DecodeGetRequest(f []byte) (VCP, error) {
	if len(f) != 5 || f[0] != hostAddress || f[1] != lengthFlag|2 || f[2] != opGetVCP {
		return 0, fmt.Errorf("%w: not a get vcp request: % X", ErrInvalidFrame, f)
	}
	if Checksum(displayAddress, f[:4]) != f[4] {
		return 0, fmt.Errorf("%w: get vcp request", ErrChecksum)
	}
	return VCP(f[3]), nil
}

// EncodeReply builds the frame a display sends in answer to a Get request:
//
//	6E 88 02 <rc> <vcp> <type> <maxHi> <maxLo> <curHi> <curLo> <chk>
//
// Displays emit it; the host only decodes it. It is used by fakes and tests.
func EncodeReply(vcp VCP, result byte, r Reply) []byte {
	f := make([]byte, ReplyLen)
	f[0] = displayAddress
	f[1] = lengthFlag | 8
	f[2] = opGetVCPReply
	f[3] = result
	f[4] = byte(vcp)
	f[5] = 0x00
	binary.BigEndian.PutUint16(f[6:8], r.Max)
	binary.BigEndian.PutUint16(f[8:10], r.Current)
	f[10] = Checksum(replySeed, f[:10])
	return f
}

// DecodeReply validates a Get VCP Feature reply for vcp. The checksum and result
// code are checked before the values are trusted.
func DecodeReply(vcp VCP, f []byte) (Reply, error) {
	if len(f) < ReplyLen {
		return Reply{}, fmt.Errorf("%w: short reply (%d bytes)", ErrNoReply, len(f))
	}
	f = f[:ReplyLen]
	if isNullMessage(f) {
		return Reply{}, fmt.Errorf("%w: null message", ErrNoReply)
	}
	if Checksum(replySeed, f[:ReplyLen-1]) != f[ReplyLen-1] {
		return Reply{}, fmt.Errorf("%w: got 0x%02X", ErrChecksum, f[ReplyLen-1])
	}
	if f[0] != displayAddress || f[1] != lengthFlag|8 || f[2] != opGetVCPReply {
		return Reply{}, fmt.Errorf("%w: unexpected header % X", ErrNoReply, f[:3])
	}
	switch f[3] {
	case resultOK:
	case resultUnsupported:
		return Reply{}, fmt.Errorf("%w: %s", ErrUnsupported, vcp)
	default:
		return Reply{}, fmt.Errorf("%w: result code 0x%02X", ErrNoReply, f[3])
	}
	if VCP(f[4]) != vcp {
		return Reply{}, fmt.Errorf("%w: reply for %s, asked %s", ErrNoReply, VCP(f[4]), vcp)
	}
	return Reply{
		Max:     binary.BigEndian.Uint16(f[6:8]),
		Current: binary.BigEndian.Uint16(f[8:10]),
	}, nil
}

// A display with nothing to say answers 6E 80 BE; a bus with nobody on it reads
// back all zeros or all ones.
func isNullMessage(f []byte) bool {
	if f[0] == displayAddress && f[1] == lengthFlag && f[2] == 0xBE {
		return true
	}
	zeros, ones := true, true
	for _, b := range f {
		zeros = zeros && b == 0x00
		ones = ones && b == 0xFF
	}
	return zeros || ones
}
