// Copyright 2024 The Relier Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rtr implements the wire format of the RPKI-to-Router protocol,
// versions 0 (RFC 6810) and 1 (RFC 8210). Each PDU kind has a marshal and a
// parse side; the server composes them into sessions.
package rtr

import (
	"encoding/binary"
	"io"
	"net/netip"

	"github.com/relier-rpki/relier/pkg/private/serrors"
	"github.com/relier-rpki/relier/pkg/rpki/payload"
)

// Protocol versions.
const (
	Version0 uint8 = 0
	Version1 uint8 = 1
)

// PDU type codes.
const (
	TypeSerialNotify  uint8 = 0
	TypeSerialQuery   uint8 = 1
	TypeResetQuery    uint8 = 2
	TypeCacheResponse uint8 = 3
	TypeIPv4Prefix    uint8 = 4
	TypeIPv6Prefix    uint8 = 6
	TypeEndOfData     uint8 = 7
	TypeCacheReset    uint8 = 8
	TypeRouterKey     uint8 = 9
	TypeErrorReport   uint8 = 10
)

// Error report codes.
const (
	ErrCorruptData            uint16 = 0
	ErrInternalError          uint16 = 1
	ErrNoDataAvailable        uint16 = 2
	ErrInvalidRequest         uint16 = 3
	ErrUnsupportedVersion     uint16 = 4
	ErrUnsupportedPDUType     uint16 = 5
	ErrWithdrawalOfUnknown    uint16 = 6
	ErrDuplicateAnnouncement  uint16 = 7
	ErrUnexpectedProtoVersion uint16 = 8
)

// Prefix and router key PDU flags.
const (
	FlagWithdraw uint8 = 0
	FlagAnnounce uint8 = 1
)

// HeaderLen is the size of the fixed PDU header.
const HeaderLen = 8

// MaxPDULen bounds the length field of a PDU. The header carries a 32-bit
// length; without a cap a single malformed PDU could demand an arbitrary
// allocation.
const MaxPDULen = 256 * 1024

// Sentinel parse errors.
var (
	// ErrPDUTooLarge indicates a length field beyond MaxPDULen.
	ErrPDUTooLarge = serrors.New("pdu exceeds maximum length")
	// ErrMalformed indicates a PDU that does not decode.
	ErrMalformed = serrors.New("malformed pdu")
)

// Header is the fixed eight-byte PDU header. The meaning of the Session
// field depends on the PDU type: session ID, error code, or zero.
type Header struct {
	Version uint8
	Type    uint8
	Session uint16
	Length  uint32
}

// ParseHeader decodes a PDU header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, serrors.JoinNoStack(ErrMalformed, nil, "reason", "short header")
	}
	h := Header{
		Version: b[0],
		Type:    b[1],
		Session: binary.BigEndian.Uint16(b[2:4]),
		Length:  binary.BigEndian.Uint32(b[4:8]),
	}
	if h.Length < HeaderLen {
		return Header{}, serrors.JoinNoStack(ErrMalformed, nil,
			"reason", "length below header size", "length", h.Length)
	}
	if h.Length > MaxPDULen {
		return Header{}, serrors.JoinNoStack(ErrPDUTooLarge, nil, "length", h.Length)
	}
	return h, nil
}

// ReadPDU reads one full PDU from r, returning its raw bytes and header. The
// length field is validated against MaxPDULen before the body is read.
func ReadPDU(r io.Reader) ([]byte, Header, error) {
	hdr := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, Header{}, err
	}
	h, err := ParseHeader(hdr)
	if err != nil {
		return nil, Header{}, err
	}
	buf := make([]byte, h.Length)
	copy(buf, hdr)
	if _, err := io.ReadFull(r, buf[HeaderLen:]); err != nil {
		return nil, Header{}, err
	}
	return buf, h, nil
}

func putHeader(b []byte, version, typ uint8, session uint16) {
	b[0] = version
	b[1] = typ
	binary.BigEndian.PutUint16(b[2:4], session)
	binary.BigEndian.PutUint32(b[4:8], uint32(len(b)))
}

// PDU is one protocol data unit.
type PDU interface {
	// Marshal returns the wire encoding of the PDU.
	Marshal() []byte
}

// SerialNotify tells the client that the cache holds a newer serial.
type SerialNotify struct {
	Version   uint8
	SessionID uint16
	Serial    uint32
}

// Marshal implements PDU.
func (p SerialNotify) Marshal() []byte {
	b := make([]byte, HeaderLen+4)
	putHeader(b, p.Version, TypeSerialNotify, p.SessionID)
	binary.BigEndian.PutUint32(b[8:12], p.Serial)
	return b
}

// SerialQuery asks for the deltas since the given serial.
type SerialQuery struct {
	Version   uint8
	SessionID uint16
	Serial    uint32
}

// Marshal implements PDU.
func (p SerialQuery) Marshal() []byte {
	b := make([]byte, HeaderLen+4)
	putHeader(b, p.Version, TypeSerialQuery, p.SessionID)
	binary.BigEndian.PutUint32(b[8:12], p.Serial)
	return b
}

// ResetQuery asks for the complete data set.
type ResetQuery struct {
	Version uint8
}

// Marshal implements PDU.
func (p ResetQuery) Marshal() []byte {
	b := make([]byte, HeaderLen)
	putHeader(b, p.Version, TypeResetQuery, 0)
	return b
}

// CacheResponse opens a data transfer.
type CacheResponse struct {
	Version   uint8
	SessionID uint16
}

// Marshal implements PDU.
func (p CacheResponse) Marshal() []byte {
	b := make([]byte, HeaderLen)
	putHeader(b, p.Version, TypeCacheResponse, p.SessionID)
	return b
}

// IPv4Prefix announces or withdraws one IPv4 VRP.
type IPv4Prefix struct {
	Version   uint8
	Flags     uint8
	PrefixLen uint8
	MaxLen    uint8
	Prefix    [4]byte
	ASN       uint32
}

// Marshal implements PDU.
func (p IPv4Prefix) Marshal() []byte {
	b := make([]byte, HeaderLen+12)
	putHeader(b, p.Version, TypeIPv4Prefix, 0)
	b[8] = p.Flags
	b[9] = p.PrefixLen
	b[10] = p.MaxLen
	copy(b[12:16], p.Prefix[:])
	binary.BigEndian.PutUint32(b[16:20], p.ASN)
	return b
}

// IPv6Prefix announces or withdraws one IPv6 VRP.
type IPv6Prefix struct {
	Version   uint8
	Flags     uint8
	PrefixLen uint8
	MaxLen    uint8
	Prefix    [16]byte
	ASN       uint32
}

// Marshal implements PDU.
func (p IPv6Prefix) Marshal() []byte {
	b := make([]byte, HeaderLen+24)
	putHeader(b, p.Version, TypeIPv6Prefix, 0)
	b[8] = p.Flags
	b[9] = p.PrefixLen
	b[10] = p.MaxLen
	copy(b[12:28], p.Prefix[:])
	binary.BigEndian.PutUint32(b[28:32], p.ASN)
	return b
}

// EndOfData closes a data transfer. The refresh, retry and expire intervals
// are carried in version 1 only.
type EndOfData struct {
	Version   uint8
	SessionID uint16
	Serial    uint32
	Refresh   uint32
	Retry     uint32
	Expire    uint32
}

// Marshal implements PDU.
func (p EndOfData) Marshal() []byte {
	size := HeaderLen + 4
	if p.Version >= Version1 {
		size = HeaderLen + 16
	}
	b := make([]byte, size)
	putHeader(b, p.Version, TypeEndOfData, p.SessionID)
	binary.BigEndian.PutUint32(b[8:12], p.Serial)
	if p.Version >= Version1 {
		binary.BigEndian.PutUint32(b[12:16], p.Refresh)
		binary.BigEndian.PutUint32(b[16:20], p.Retry)
		binary.BigEndian.PutUint32(b[20:24], p.Expire)
	}
	return b
}

// CacheReset tells the client that incremental data is not available.
type CacheReset struct {
	Version uint8
}

// Marshal implements PDU.
func (p CacheReset) Marshal() []byte {
	b := make([]byte, HeaderLen)
	putHeader(b, p.Version, TypeCacheReset, 0)
	return b
}

// RouterKey announces or withdraws one BGPsec router key (version 1 only).
type RouterKey struct {
	Version uint8
	Flags   uint8
	SKI     [payload.SKISize]byte
	ASN     uint32
	SPKI    []byte
}

// Marshal implements PDU.
func (p RouterKey) Marshal() []byte {
	b := make([]byte, HeaderLen+payload.SKISize+4+len(p.SPKI))
	b[0] = p.Version
	b[1] = TypeRouterKey
	b[2] = p.Flags
	b[3] = 0
	binary.BigEndian.PutUint32(b[4:8], uint32(len(b)))
	copy(b[8:8+payload.SKISize], p.SKI[:])
	binary.BigEndian.PutUint32(b[28:32], p.ASN)
	copy(b[32:], p.SPKI)
	return b
}

// ErrorReport reports a protocol error. It may embed the offending PDU and a
// diagnostic text.
type ErrorReport struct {
	Version uint8
	Code    uint16
	PDU     []byte
	Text    string
}

// Marshal implements PDU.
func (p ErrorReport) Marshal() []byte {
	b := make([]byte, HeaderLen+4+len(p.PDU)+4+len(p.Text))
	putHeader(b, p.Version, TypeErrorReport, p.Code)
	off := HeaderLen
	binary.BigEndian.PutUint32(b[off:off+4], uint32(len(p.PDU)))
	off += 4
	copy(b[off:], p.PDU)
	off += len(p.PDU)
	binary.BigEndian.PutUint32(b[off:off+4], uint32(len(p.Text)))
	off += 4
	copy(b[off:], p.Text)
	return b
}

// Parse decodes a full PDU, header included. The raw bytes must already be
// bounded by ReadPDU.
func Parse(b []byte) (PDU, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	if uint32(len(b)) != h.Length {
		return nil, serrors.JoinNoStack(ErrMalformed, nil,
			"reason", "length mismatch", "length", h.Length, "actual", len(b))
	}
	body := b[HeaderLen:]
	switch h.Type {
	case TypeSerialNotify, TypeSerialQuery:
		if len(body) != 4 {
			return nil, serrors.JoinNoStack(ErrMalformed, nil, "type", h.Type)
		}
		serial := binary.BigEndian.Uint32(body)
		if h.Type == TypeSerialNotify {
			return SerialNotify{Version: h.Version, SessionID: h.Session, Serial: serial}, nil
		}
		return SerialQuery{Version: h.Version, SessionID: h.Session, Serial: serial}, nil
	case TypeResetQuery:
		if len(body) != 0 {
			return nil, serrors.JoinNoStack(ErrMalformed, nil, "type", h.Type)
		}
		return ResetQuery{Version: h.Version}, nil
	case TypeCacheResponse:
		if len(body) != 0 {
			return nil, serrors.JoinNoStack(ErrMalformed, nil, "type", h.Type)
		}
		return CacheResponse{Version: h.Version, SessionID: h.Session}, nil
	case TypeIPv4Prefix:
		if len(body) != 12 {
			return nil, serrors.JoinNoStack(ErrMalformed, nil, "type", h.Type)
		}
		p := IPv4Prefix{
			Version:   h.Version,
			Flags:     body[0],
			PrefixLen: body[1],
			MaxLen:    body[2],
			ASN:       binary.BigEndian.Uint32(body[8:12]),
		}
		copy(p.Prefix[:], body[4:8])
		if p.PrefixLen > 32 || p.MaxLen > 32 || p.MaxLen < p.PrefixLen {
			return nil, serrors.JoinNoStack(ErrMalformed, nil, "reason", "bad prefix lengths")
		}
		return p, nil
	case TypeIPv6Prefix:
		if len(body) != 24 {
			return nil, serrors.JoinNoStack(ErrMalformed, nil, "type", h.Type)
		}
		p := IPv6Prefix{
			Version:   h.Version,
			Flags:     body[0],
			PrefixLen: body[1],
			MaxLen:    body[2],
			ASN:       binary.BigEndian.Uint32(body[20:24]),
		}
		copy(p.Prefix[:], body[4:20])
		if p.PrefixLen > 128 || p.MaxLen > 128 || p.MaxLen < p.PrefixLen {
			return nil, serrors.JoinNoStack(ErrMalformed, nil, "reason", "bad prefix lengths")
		}
		return p, nil
	case TypeEndOfData:
		p := EndOfData{Version: h.Version, SessionID: h.Session}
		switch {
		case h.Version == Version0 && len(body) == 4:
			p.Serial = binary.BigEndian.Uint32(body)
		case h.Version >= Version1 && len(body) == 16:
			p.Serial = binary.BigEndian.Uint32(body[0:4])
			p.Refresh = binary.BigEndian.Uint32(body[4:8])
			p.Retry = binary.BigEndian.Uint32(body[8:12])
			p.Expire = binary.BigEndian.Uint32(body[12:16])
		default:
			return nil, serrors.JoinNoStack(ErrMalformed, nil, "type", h.Type)
		}
		return p, nil
	case TypeCacheReset:
		if len(body) != 0 {
			return nil, serrors.JoinNoStack(ErrMalformed, nil, "type", h.Type)
		}
		return CacheReset{Version: h.Version}, nil
	case TypeRouterKey:
		if h.Version < Version1 {
			return nil, serrors.JoinNoStack(ErrMalformed, nil,
				"reason", "router key pdu in version 0")
		}
		if len(body) < payload.SKISize+4 {
			return nil, serrors.JoinNoStack(ErrMalformed, nil, "type", h.Type)
		}
		p := RouterKey{
			Version: h.Version,
			Flags:   uint8(h.Session >> 8),
			ASN:     binary.BigEndian.Uint32(body[payload.SKISize : payload.SKISize+4]),
			SPKI:    append([]byte(nil), body[payload.SKISize+4:]...),
		}
		copy(p.SKI[:], body[:payload.SKISize])
		return p, nil
	case TypeErrorReport:
		if len(body) < 8 {
			return nil, serrors.JoinNoStack(ErrMalformed, nil, "type", h.Type)
		}
		pduLen := binary.BigEndian.Uint32(body[0:4])
		if uint32(len(body)) < 4+pduLen+4 {
			return nil, serrors.JoinNoStack(ErrMalformed, nil, "reason", "bad embedded pdu length")
		}
		embedded := append([]byte(nil), body[4:4+pduLen]...)
		rest := body[4+pduLen:]
		textLen := binary.BigEndian.Uint32(rest[0:4])
		if uint32(len(rest)) != 4+textLen {
			return nil, serrors.JoinNoStack(ErrMalformed, nil, "reason", "bad text length")
		}
		return ErrorReport{
			Version: h.Version,
			Code:    h.Session,
			PDU:     embedded,
			Text:    string(rest[4:]),
		}, nil
	default:
		return nil, serrors.JoinNoStack(ErrMalformed, nil,
			"reason", "unknown pdu type", "type", h.Type)
	}
}

// PrefixPDU encodes a VRP as the prefix PDU of its address family.
func PrefixPDU(version, flags uint8, vrp payload.VRP) PDU {
	if vrp.Prefix.Addr().Is4() {
		p := IPv4Prefix{
			Version:   version,
			Flags:     flags,
			PrefixLen: uint8(vrp.Prefix.Bits()),
			MaxLen:    vrp.MaxLength,
			ASN:       vrp.ASN,
		}
		p.Prefix = vrp.Prefix.Addr().As4()
		return p
	}
	p := IPv6Prefix{
		Version:   version,
		Flags:     flags,
		PrefixLen: uint8(vrp.Prefix.Bits()),
		MaxLen:    vrp.MaxLength,
		ASN:       vrp.ASN,
	}
	p.Prefix = vrp.Prefix.Addr().As16()
	return p
}

// RouterKeyPDU encodes a router key (version 1 only).
func RouterKeyPDU(version, flags uint8, key payload.RouterKey) PDU {
	return RouterKey{
		Version: version,
		Flags:   flags,
		SKI:     key.SKI,
		ASN:     key.ASN,
		SPKI:    key.SPKI,
	}
}

// VRPFromPDU converts a parsed prefix PDU back to a VRP. Provenance is
// erased on the wire.
func VRPFromPDU(p PDU) (payload.VRP, uint8, bool) {
	switch pdu := p.(type) {
	case IPv4Prefix:
		addr := netip.AddrFrom4(pdu.Prefix)
		return payload.VRP{
			ASN:       pdu.ASN,
			Prefix:    netip.PrefixFrom(addr, int(pdu.PrefixLen)),
			MaxLength: pdu.MaxLen,
		}, pdu.Flags, true
	case IPv6Prefix:
		addr := netip.AddrFrom16(pdu.Prefix)
		return payload.VRP{
			ASN:       pdu.ASN,
			Prefix:    netip.PrefixFrom(addr, int(pdu.PrefixLen)),
			MaxLength: pdu.MaxLen,
		}, pdu.Flags, true
	default:
		return payload.VRP{}, 0, false
	}
}
