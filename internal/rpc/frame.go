/*
Outpost MTA - queue-first outbound mail relay.
Copyright © 2024 The Outpost MTA Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package rpc implements the framed control-plane protocol between the
// master and its delivery workers.
//
// Wire format: 4-byte little-endian frame length, then one flag byte
// (0 raw, 1 s2-compressed), then the msgpack-encoded envelope. Frames
// are capped at 2 MiB; bodies above 1 KiB are compressed.
package rpc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
)

const (
	// MaxFrame bounds the whole frame body (flag byte included).
	MaxFrame = 2 * 1024 * 1024

	compressThreshold = 1024

	flagRaw        = 0
	flagCompressed = 1
)

func writeFrame(w io.Writer, payload []byte) error {
	flag := byte(flagRaw)
	if len(payload) > compressThreshold {
		payload = s2.Encode(nil, payload)
		flag = flagCompressed
	}
	if len(payload)+1 > MaxFrame {
		return fmt.Errorf("rpc: frame of %d bytes exceeds the %d limit", len(payload)+1, MaxFrame)
	}

	var header [5]byte
	binary.LittleEndian.PutUint32(header[:4], uint32(len(payload)+1))
	header[4] = flag
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size == 0 {
		return nil, fmt.Errorf("rpc: empty frame")
	}
	if size > MaxFrame {
		return nil, fmt.Errorf("rpc: frame of %d bytes exceeds the %d limit", size, MaxFrame)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	switch body[0] {
	case flagRaw:
		return body[1:], nil
	case flagCompressed:
		// The cap applies to the decoded size too, or a small frame could
		// expand into an arbitrarily large allocation.
		decodedLen, err := s2.DecodedLen(body[1:])
		if err != nil {
			return nil, fmt.Errorf("rpc: corrupt compressed frame: %w", err)
		}
		if decodedLen > MaxFrame {
			return nil, fmt.Errorf("rpc: frame decodes to %d bytes, exceeding the %d limit", decodedLen, MaxFrame)
		}
		decoded, err := s2.Decode(nil, body[1:])
		if err != nil {
			return nil, fmt.Errorf("rpc: corrupt compressed frame: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("rpc: unknown frame flag %d", body[0])
	}
}
