package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// oggCapturePattern is the 4-byte magic that opens every Ogg page.
var oggCapturePattern = []byte("OggS")

// opusHeadMagic and opusTagsMagic identify the two non-audio Opus packets
// that precede audio data in every Ogg Opus stream; both are skipped.
var (
	opusHeadMagic = []byte("OpusHead")
	opusTagsMagic = []byte("OpusTags")
)

// decodeOggPackets parses a complete Ogg bitstream and returns every packet
// it contains, in stream order, including the OpusHead/OpusTags header
// packets (opusAudioPackets removes those). No ecosystem Ogg container parser exists in the reference
// corpus (see DESIGN.md), so this is a minimal hand-rolled page demuxer: it
// understands page framing and segment lacing, nothing more (no seeking, no
// multiplexed logical streams, no CRC verification).
func decodeOggPackets(data []byte) ([][]byte, error) {
	var packets [][]byte
	var current []byte // the in-progress packet, built across continuation pages

	r := data
	for len(r) > 0 {
		if len(r) < 27 {
			return nil, fmt.Errorf("codec: truncated ogg page header (%d bytes left)", len(r))
		}
		if !bytes.Equal(r[0:4], oggCapturePattern) {
			return nil, fmt.Errorf("codec: bad ogg capture pattern %q", r[0:4])
		}
		headerType := r[5]
		segCount := int(r[26])
		if len(r) < 27+segCount {
			return nil, fmt.Errorf("codec: truncated ogg segment table")
		}
		segTable := r[27 : 27+segCount]
		body := r[27+segCount:]

		continued := headerType&0x01 != 0

		off := 0
		var pkt []byte
		if continued {
			pkt = current
			current = nil
		}
		for i, segLen := range segTable {
			if off+int(segLen) > len(body) {
				return nil, fmt.Errorf("codec: ogg segment overruns page body")
			}
			pkt = append(pkt, body[off:off+int(segLen)]...)
			off += int(segLen)
			// A segment shorter than 255 bytes terminates the packet; a
			// segment of exactly 255 bytes (the last in the table) means the
			// packet continues onto the next page.
			isLast := i == len(segTable)-1
			if segLen < 255 {
				packets = append(packets, pkt)
				pkt = nil
			} else if isLast {
				current = pkt
				pkt = nil
			}
		}

		pageLen := 27 + segCount + off
		if pageLen > len(r) {
			return nil, fmt.Errorf("codec: ogg page length exceeds remaining data")
		}
		r = r[pageLen:]
	}

	return packets, nil
}

// opusAudioPackets filters out the OpusHead/OpusTags header packets that
// begin an Ogg Opus stream, leaving only audio data packets.
func opusAudioPackets(packets [][]byte) [][]byte {
	var out [][]byte
	for _, p := range packets {
		if bytes.HasPrefix(p, opusHeadMagic) || bytes.HasPrefix(p, opusTagsMagic) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// oggGranulePosition reads the 8-byte little-endian granule position from
// the header of page (bytes 6-13); unused by the decoder today but kept for
// completeness since it is part of the page header this parser already walks.
func oggGranulePosition(page []byte) (uint64, error) {
	if len(page) < 14 {
		return 0, fmt.Errorf("codec: page too short for granule position")
	}
	return binary.LittleEndian.Uint64(page[6:14]), nil
}
