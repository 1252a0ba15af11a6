package udp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/kasumi/kasumi/bittorrent"
)

// maxErrorMessageLength bounds the human readable message of an error packet.
// Clients make no promises about their buffers, so messages stay short and
// printable.
const maxErrorMessageLength = 55

// WriteError writes the failure reason as a NUL-terminated string.
func WriteError(w io.Writer, txID []byte, err error) {
	// If the client wasn't at fault, acknowledge it.
	if _, ok := err.(bittorrent.ClientError); !ok {
		err = fmt.Errorf("internal error occurred: %s", err.Error())
	}

	msg := []byte(err.Error())
	if len(msg) > maxErrorMessageLength {
		msg = msg[:maxErrorMessageLength]
	}
	for i, b := range msg {
		if b < 0x20 || b > 0x7e {
			msg[i] = '?'
		}
	}

	var buf bytes.Buffer
	writeHeader(&buf, txID, errorActionID)
	buf.Write(msg)
	buf.WriteByte(0)
	_, _ = w.Write(buf.Bytes())
}

// WriteConnectionID encodes a new connection response according to BEP 15.
func WriteConnectionID(w io.Writer, txID, connID []byte) {
	var buf bytes.Buffer

	writeHeader(&buf, txID, connectActionID)
	buf.Write(connID)

	_, _ = w.Write(buf.Bytes())
}

// WriteAnnounce encodes an announce response according to BEP 15.
//
// The compact peer encoding is chosen by the address family of the
// requester: 6 bytes per peer for IPv4, 18 bytes per peer for IPv6. IPv4
// peers advertised to IPv6 requesters are written in their IPv4-mapped form.
func WriteAnnounce(w io.Writer, txID []byte, resp *bittorrent.AnnounceResponse, v6 bool) {
	var buf bytes.Buffer

	writeHeader(&buf, txID, announceActionID)
	_ = binary.Write(&buf, binary.BigEndian, uint32(resp.Interval/time.Second))
	_ = binary.Write(&buf, binary.BigEndian, uint32(resp.Incomplete))
	_ = binary.Write(&buf, binary.BigEndian, uint32(resp.Complete))

	peers := resp.Peers
	if len(peers) > maxResponsePeers {
		peers = peers[:maxResponsePeers]
	}
	for _, peer := range peers {
		if v6 {
			buf.Write(peer.IP.To16())
		} else {
			ip := peer.IP.To4()
			if ip == nil {
				// The tracker never hands IPv6 peers to IPv4 requesters;
				// drop the peer rather than corrupt the packet.
				continue
			}
			buf.Write(ip)
		}
		_ = binary.Write(&buf, binary.BigEndian, peer.Port)
	}

	_, _ = w.Write(buf.Bytes())
}

// WriteScrape encodes a scrape response according to BEP 15.
//
// For each requested infohash the reply carries seeders, completions and
// leechers, in that order; the ordering differs from the announce reply and
// is part of the protocol.
func WriteScrape(w io.Writer, txID []byte, resp *bittorrent.ScrapeResponse) {
	var buf bytes.Buffer

	writeHeader(&buf, txID, scrapeActionID)

	for _, scrape := range resp.Files {
		_ = binary.Write(&buf, binary.BigEndian, scrape.Complete)
		_ = binary.Write(&buf, binary.BigEndian, scrape.Snatches)
		_ = binary.Write(&buf, binary.BigEndian, scrape.Incomplete)
	}

	_, _ = w.Write(buf.Bytes())
}

// writeHeader writes the action and transaction ID to the provided response
// buffer.
func writeHeader(w io.Writer, txID []byte, action uint32) {
	_ = binary.Write(w, binary.BigEndian, action)
	_, _ = w.Write(txID)
}
