package udp

import (
	"encoding/binary"
	"net"

	"github.com/kasumi/kasumi/bittorrent"
)

const (
	connectActionID uint32 = iota
	announceActionID
	scrapeActionID
	errorActionID
)

// Option-Types as described in BEP 41.
const (
	optionEndOfOptions byte = 0x0
	optionNOP          byte = 0x1
	optionURLData      byte = 0x2
)

// Packet size limits. CONNECT is the smallest packet of the protocol;
// anything shorter is noise. opentracker accepts 8192, and so do we.
const (
	minPacketSize      = 16
	maxPacketSize      = 8192
	minAnnounceSize    = 98
	minScrapeSize      = 36
	maxResponsePeers   = 256
	announceHeaderSize = 20
)

var (
	// initialConnectionID is the magic protocol identifier specified by
	// BEP 15, sent in place of a connection ID on CONNECT.
	initialConnectionID = []byte{0, 0, 0x04, 0x17, 0x27, 0x10, 0x19, 0x80}

	// eventIDs map the values on the wire to Events. Paused is the value
	// used by clients implementing BEP 21 over UDP.
	eventIDs = []bittorrent.Event{
		bittorrent.None,
		bittorrent.Completed,
		bittorrent.Started,
		bittorrent.Stopped,
		bittorrent.Paused,
	}

	errMalformedPacket   = bittorrent.ClientError("malformed packet")
	errUnknownAction     = bittorrent.ClientError("unknown action ID")
	errUnknownOptionType = bittorrent.ClientError("unknown option type")
)

// ParseOptions is the configuration used to parse requests.
type ParseOptions struct {
	MaxScrapeInfoHashes uint32 `yaml:"max_scrape_infohashes"`
}

// Default parser config constants.
const defaultMaxScrapeInfoHashes uint32 = 80

// ParseAnnounce parses an AnnounceRequest from a UDP announce packet.
//
// The fixed binary fields seed the announce parser; the BEP 41 tail, if
// present, is reconstructed into URLData whose query may override them and
// may carry parameters for the ext parser.
func ParseAnnounce(r Request, now int64, ext bittorrent.ParamsParser) (*bittorrent.AnnounceRequest, interface{}, error) {
	if len(r.Packet) < minAnnounceSize {
		return nil, nil, errMalformedPacket
	}

	eventID := int(binary.BigEndian.Uint32(r.Packet[80:84]))
	event := bittorrent.None
	if eventID < len(eventIDs) {
		event = eventIDs[eventID]
	}

	seed := bittorrent.AnnounceRequest{
		InfoHash:   bittorrent.InfoHashFromBytes(r.Packet[16:36]),
		PeerID:     bittorrent.PeerIDFromBytes(r.Packet[36:56]),
		RemoteIP:   r.IP,
		Downloaded: int64(binary.BigEndian.Uint64(r.Packet[56:64])),
		Left:       int64(binary.BigEndian.Uint64(r.Packet[64:72])),
		Uploaded:   int64(binary.BigEndian.Uint64(r.Packet[72:80])),
		Event:      event,
		Key:        binary.BigEndian.Uint32(r.Packet[88:92]),
		// The key field is always on the wire; zero is a valid key.
		KeyProvided: true,
		NumWant:     int32(binary.BigEndian.Uint32(r.Packet[92:96])),
		Port:        binary.BigEndian.Uint16(r.Packet[96:98]),
		Timestamp:   now,
	}

	// A declared IP of all zeroes means "use the source address". The wire
	// field only fits IPv4; IPv6 overrides arrive via the ip query
	// parameter.
	if ipbytes := r.Packet[84:88]; ipbytes[0]|ipbytes[1]|ipbytes[2]|ipbytes[3] != 0 {
		seed.ProvidedIP = net.IPv4(ipbytes[0], ipbytes[1], ipbytes[2], ipbytes[3]).To4()
	}

	parser := bittorrent.SeededAnnounceParser(seed, ext)
	if err := parseOptionalParameters(r.Packet[minAnnounceSize:], parser); err != nil {
		return nil, nil, err
	}

	return parser.Finalize()
}

// parseOptionalParameters walks the BEP 41 option chain at the end of an
// announce packet, reconstructs the URLData and runs its query through the
// announce parser.
//
// Clients that do not speak BEP 41 leave the tail empty or zeroed; both are
// treated as the absence of options.
func parseOptionalParameters(packet []byte, parser *bittorrent.AnnounceParser) error {
	if len(packet) == 0 || packet[0] == optionEndOfOptions {
		return nil
	}

	var urlData []byte
	for i := 0; i < len(packet); {
		switch packet[i] {
		case optionEndOfOptions:
			i = len(packet)
		case optionNOP:
			i++
		case optionURLData:
			if i+1 >= len(packet) {
				return errMalformedPacket
			}
			length := int(packet[i+1])
			if i+2+length > len(packet) {
				return errMalformedPacket
			}
			urlData = append(urlData, packet[i+2:i+2+length]...)
			i += 2 + length
		default:
			return errUnknownOptionType
		}
	}

	if len(urlData) == 0 {
		return nil
	}

	query, err := splitAnnouncePath(urlData)
	if err != nil {
		return err
	}

	return bittorrent.ParseQuery(query, parser)
}

// splitAnnouncePath checks that URLData names the announce path and returns
// the query part that follows it, if any.
//
// Percent-encoding is honored during the match, so "/%61nnounce" is accepted.
// Anything else is rejected: a BEP 41 client asking for a different URL must
// not be silently served the announce.
func splitAnnouncePath(urlData []byte) ([]byte, error) {
	i := 0
	next := func() (byte, bool) {
		if i >= len(urlData) {
			return 0, false
		}
		b := urlData[i]
		i++
		if b == '%' && i+1 < len(urlData) {
			if h, ok := hexDigit(urlData[i]); ok {
				if l, ok := hexDigit(urlData[i+1]); ok {
					i += 2
					return h<<4 | l, true
				}
			}
		}
		return b, true
	}

	if b, ok := next(); !ok || b != '/' {
		return nil, bittorrent.ErrInvalidAnnounceURL
	}
	for _, expected := range []byte("announce") {
		b, ok := next()
		if !ok || b != expected {
			return nil, bittorrent.ErrInvalidAnnounceURL
		}
	}

	if i >= len(urlData) {
		return nil, nil
	}
	if urlData[i] != '?' {
		return nil, bittorrent.ErrInvalidAnnounceURL
	}
	return urlData[i+1:], nil
}

// hexDigit decodes one hexadecimal ASCII digit.
func hexDigit(b byte) (byte, bool) {
	digit := b - '0'
	if digit < 10 {
		return digit, true
	}
	digit = (b | 0x20) - 'a' + 10
	if digit >= 10 && digit < 16 {
		return digit, true
	}
	return 0, false
}

// ParseScrape parses a ScrapeRequest from a UDP scrape packet.
//
// Trailing bytes that do not make up a whole infohash are ignored, and the
// request is truncated at the configured maximum.
func ParseScrape(r Request, opts ParseOptions) (*bittorrent.ScrapeRequest, error) {
	if len(r.Packet) < minScrapeSize {
		return nil, errMalformedPacket
	}

	packet := r.Packet[16:]
	count := uint32(len(packet) / 20)
	if count > opts.MaxScrapeInfoHashes {
		count = opts.MaxScrapeInfoHashes
	}

	infohashes := make([]bittorrent.InfoHash, 0, count)
	for i := uint32(0); i < count; i++ {
		infohashes = append(infohashes, bittorrent.InfoHashFromBytes(packet[i*20:i*20+20]))
	}

	return &bittorrent.ScrapeRequest{InfoHashes: infohashes}, nil
}
