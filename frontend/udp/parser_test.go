package udp

import (
	"encoding/binary"
	"math"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kasumi/kasumi/bittorrent"
)

func announcePacket(tail []byte) []byte {
	pkt := make([]byte, minAnnounceSize, minAnnounceSize+len(tail))
	copy(pkt[0:8], []byte{1, 2, 3, 4, 5, 6, 7, 8})                // connection id
	binary.BigEndian.PutUint32(pkt[8:12], announceActionID)       // action
	copy(pkt[12:16], []byte{9, 9, 9, 9})                          // transaction id
	copy(pkt[16:36], "aaaaaaaaaaaaaaaaaaaa")                      // info hash
	copy(pkt[36:56], "bbbbbbbbbbbbbbbbbbbb")                      // peer id
	binary.BigEndian.PutUint64(pkt[56:64], 2048)                  // downloaded
	binary.BigEndian.PutUint64(pkt[64:72], uint64(math.MaxInt64)) // left
	binary.BigEndian.PutUint64(pkt[72:80], 1024)                  // uploaded
	binary.BigEndian.PutUint32(pkt[80:84], 2)                     // event: started
	binary.BigEndian.PutUint32(pkt[88:92], 12345)                 // key
	binary.BigEndian.PutUint32(pkt[92:96], uint32(0xffffffff))    // numwant: -1
	binary.BigEndian.PutUint16(pkt[96:98], 6881)                  // port
	return append(pkt, tail...)
}

func TestParseAnnounceFixedFields(t *testing.T) {
	r := Request{Packet: announcePacket(nil), IP: net.ParseIP("150.150.150.150").To4()}

	req, extData, err := ParseAnnounce(r, 4242, nil)
	require.NoError(t, err)
	require.Nil(t, extData)

	require.Equal(t, bittorrent.InfoHashFromString("aaaaaaaaaaaaaaaaaaaa"), req.InfoHash)
	require.Equal(t, bittorrent.PeerIDFromString("bbbbbbbbbbbbbbbbbbbb"), req.PeerID)
	require.Equal(t, int64(2048), req.Downloaded)
	require.Equal(t, int64(1024), req.Uploaded)
	require.Equal(t, int64(math.MaxInt64), req.Left)
	require.Equal(t, bittorrent.Started, req.Event)
	require.True(t, req.KeyProvided)
	require.Equal(t, uint32(12345), req.Key)
	require.Equal(t, int32(-1), req.NumWant)
	require.Equal(t, uint16(6881), req.Port)
	require.Equal(t, int64(4242), req.Timestamp)
	require.Nil(t, req.ProvidedIP, "a zeroed ip field means none")
	require.True(t, req.RemoteIP.Equal(net.ParseIP("150.150.150.150")))
}

func TestParseAnnounceDeclaredIP(t *testing.T) {
	pkt := announcePacket(nil)
	copy(pkt[84:88], []byte{99, 99, 99, 99})

	req, _, err := ParseAnnounce(Request{Packet: pkt, IP: net.ParseIP("150.150.150.150").To4()}, 0, nil)
	require.NoError(t, err)
	require.True(t, req.ProvidedIP.Equal(net.ParseIP("99.99.99.99")))
}

func TestParseAnnounceEventFolding(t *testing.T) {
	pkt := announcePacket(nil)
	binary.BigEndian.PutUint32(pkt[80:84], 4)
	req, _, err := ParseAnnounce(Request{Packet: pkt, IP: net.IP{1, 2, 3, 4}}, 0, nil)
	require.NoError(t, err)
	require.Equal(t, bittorrent.Paused, req.Event)

	binary.BigEndian.PutUint32(pkt[80:84], 77)
	req, _, err = ParseAnnounce(Request{Packet: pkt, IP: net.IP{1, 2, 3, 4}}, 0, nil)
	require.NoError(t, err)
	require.Equal(t, bittorrent.None, req.Event)
}

func TestParseAnnounceTooShort(t *testing.T) {
	pkt := announcePacket(nil)
	_, _, err := ParseAnnounce(Request{Packet: pkt[:97], IP: net.IP{1, 2, 3, 4}}, 0, nil)
	require.Equal(t, errMalformedPacket, err)
}

var optionTable = []struct {
	name    string
	tail    []byte
	numWant int32
	err     error
}{
	{"no tail", nil, -1, nil},
	{"end of options", []byte{0x0}, -1, nil},
	{"zero padding", []byte{0x0, 0x0, 0x0}, -1, nil},
	{"nop only", []byte{0x1, 0x1, 0x0}, -1, nil},
	{"urldata", []byte{0x2, 0x14, '/', 'a', 'n', 'n', 'o', 'u', 'n', 'c', 'e', '?', 'n', 'u', 'm', 'w', 'a', 'n', 't', '=', '2', '5'}, 25, nil},
	{"split urldata", []byte{0x2, 0x09, '/', 'a', 'n', 'n', 'o', 'u', 'n', 'c', 'e', 0x1, 0x2, 0x0b, '?', 'n', 'u', 'm', 'w', 'a', 'n', 't', '=', '2', '5'}, 25, nil},
	{"escaped path", []byte{0x2, 0x0b, '/', '%', '6', '1', 'n', 'n', 'o', 'u', 'n', 'c', 'e'}, -1, nil},
	{"path only", []byte{0x2, 0x09, '/', 'a', 'n', 'n', 'o', 'u', 'n', 'c', 'e'}, -1, nil},
	{"wrong path", []byte{0x2, 0x07, '/', 's', 'c', 'r', 'a', 'p', 'e'}, 0, bittorrent.ErrInvalidAnnounceURL},
	{"missing question mark", []byte{0x2, 0x0a, '/', 'a', 'n', 'n', 'o', 'u', 'n', 'c', 'e', 'x'}, 0, bittorrent.ErrInvalidAnnounceURL},
	{"truncated length", []byte{0x2}, 0, errMalformedPacket},
	{"truncated payload", []byte{0x2, 0x05, 'a'}, 0, errMalformedPacket},
	{"unknown option", []byte{0x3, 0x01, 'x'}, 0, errUnknownOptionType},
}

func TestParseAnnounceOptions(t *testing.T) {
	for _, tt := range optionTable {
		t.Run(tt.name, func(t *testing.T) {
			r := Request{Packet: announcePacket(tt.tail), IP: net.IP{1, 2, 3, 4}}
			req, _, err := ParseAnnounce(r, 0, nil)
			require.Equal(t, tt.err, err)
			if tt.err == nil {
				require.Equal(t, tt.numWant, req.NumWant)
			}
		})
	}
}

func TestParseAnnounceOptionsOverrideFixedFields(t *testing.T) {
	tail := append([]byte{0x2, byte(len("/announce?left=0&key=777"))}, "/announce?left=0&key=777"...)
	r := Request{Packet: announcePacket(tail), IP: net.IP{1, 2, 3, 4}}

	req, _, err := ParseAnnounce(r, 0, nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), req.Left)
	require.Equal(t, uint32(777), req.Key)
}

func TestParseScrape(t *testing.T) {
	pkt := make([]byte, 16, 16+60)
	pkt = append(pkt, "aaaaaaaaaaaaaaaaaaaa"...)
	pkt = append(pkt, "bbbbbbbbbbbbbbbbbbbb"...)
	pkt = append(pkt, "cccccccccccccccccccc"...)

	req, err := ParseScrape(Request{Packet: pkt}, ParseOptions{MaxScrapeInfoHashes: 80})
	require.NoError(t, err)
	require.Len(t, req.InfoHashes, 3)
	require.Equal(t, bittorrent.InfoHashFromString("aaaaaaaaaaaaaaaaaaaa"), req.InfoHashes[0])
	require.Equal(t, bittorrent.InfoHashFromString("cccccccccccccccccccc"), req.InfoHashes[2])
}

func TestParseScrapeIgnoresTrailingBytes(t *testing.T) {
	pkt := make([]byte, 16)
	pkt = append(pkt, "aaaaaaaaaaaaaaaaaaaa"...)
	pkt = append(pkt, "bbb"...)

	req, err := ParseScrape(Request{Packet: pkt}, ParseOptions{MaxScrapeInfoHashes: 80})
	require.NoError(t, err)
	require.Len(t, req.InfoHashes, 1)
}

func TestParseScrapeTruncatesAtCap(t *testing.T) {
	pkt := make([]byte, 16)
	for i := 0; i < 5; i++ {
		var ih [20]byte
		ih[0] = byte(i)
		pkt = append(pkt, ih[:]...)
	}

	req, err := ParseScrape(Request{Packet: pkt}, ParseOptions{MaxScrapeInfoHashes: 3})
	require.NoError(t, err)
	require.Len(t, req.InfoHashes, 3)
}

func TestParseScrapeTooShort(t *testing.T) {
	_, err := ParseScrape(Request{Packet: make([]byte, 35)}, ParseOptions{MaxScrapeInfoHashes: 80})
	require.Equal(t, errMalformedPacket, err)
}
