package bittorrent

import (
	"math"
	"net"
	"strconv"
)

// Query parameter scratch buffer sizes. A single key or value longer than its
// scratch buffer fails the whole request with ErrInvalidParameters; the
// parser is strict rather than lenient about truncation.
const (
	maxParamKeyLength   = 32
	maxParamValueLength = 256
)

// ParamsParser consumes the query parameters an AnnounceParser does not
// recognize. Implementations may keep state across Parse calls; Finalize
// yields whatever the extension extracted.
//
// Keys and values may contain arbitrary binary data. They are only valid for
// the duration of the call and must be copied to be retained.
type ParamsParser interface {
	Parse(key, value []byte) error
	Finalize() (interface{}, error)
}

// bit set of announce parameters, used for duplicate and presence tracking.
const (
	paramInfoHash = 1 << iota
	paramPeerID
	paramPort
	paramUploaded
	paramDownloaded
	paramLeft
	paramEvent
	paramNumWant
	paramKey
	paramIP
)

// AnnounceParser assembles an AnnounceRequest from decoded query parameters.
//
// A fresh parser starts from the protocol defaults (uploaded=0, downloaded=0,
// left=max, numwant=-1) and requires info_hash, peer_id and port to be
// declared. A seeded parser starts from an AnnounceRequest already decoded
// from fixed binary fields; query parameters override the seed, and the
// required fields are considered satisfied. Either way, declaring the same
// parameter twice in one query fails the request.
type AnnounceParser struct {
	req  AnnounceRequest
	ext  ParamsParser
	seen uint32
	have uint32
}

// NewAnnounceParser creates an unseeded AnnounceParser.
// The ext parser may be nil, in which case unrecognized parameters are
// discarded.
func NewAnnounceParser(ext ParamsParser) *AnnounceParser {
	return &AnnounceParser{
		req: AnnounceRequest{
			Left:    math.MaxInt64,
			NumWant: -1,
		},
		ext: ext,
	}
}

// SeededAnnounceParser creates an AnnounceParser whose starting state is the
// given request, with all required fields considered present.
func SeededAnnounceParser(seed AnnounceRequest, ext ParamsParser) *AnnounceParser {
	return &AnnounceParser{
		req:  seed,
		ext:  ext,
		have: paramInfoHash | paramPeerID | paramPort,
	}
}

// declare records one declaration of param, failing on duplicates within the
// same query.
func (p *AnnounceParser) declare(param uint32, err ClientError) error {
	if p.seen&param != 0 {
		return err
	}
	p.seen |= param
	p.have |= param
	return nil
}

// Parse dispatches one decoded key/value pair.
func (p *AnnounceParser) Parse(key, value []byte) error {
	switch string(key) {
	case "info_hash":
		if err := p.declare(paramInfoHash, ErrInvalidInfoHash); err != nil {
			return err
		}
		if len(value) != 20 {
			return ErrInvalidInfoHash
		}
		p.req.InfoHash = InfoHashFromBytes(value)

	case "peer_id":
		if err := p.declare(paramPeerID, ErrInvalidPeerID); err != nil {
			return err
		}
		if len(value) != 20 {
			return ErrInvalidPeerID
		}
		p.req.PeerID = PeerIDFromBytes(value)

	case "port":
		if err := p.declare(paramPort, ErrInvalidPort); err != nil {
			return err
		}
		port, err := strconv.ParseUint(string(value), 10, 16)
		if err != nil || port == 0 {
			return ErrInvalidPort
		}
		p.req.Port = uint16(port)

	case "uploaded":
		if err := p.declare(paramUploaded, ErrInvalidParameters); err != nil {
			return err
		}
		v, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return ErrInvalidParameters
		}
		p.req.Uploaded = v

	case "downloaded":
		if err := p.declare(paramDownloaded, ErrInvalidParameters); err != nil {
			return err
		}
		v, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return ErrInvalidParameters
		}
		p.req.Downloaded = v

	case "left":
		if err := p.declare(paramLeft, ErrInvalidParameters); err != nil {
			return err
		}
		v, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return ErrInvalidParameters
		}
		p.req.Left = v

	case "event":
		if err := p.declare(paramEvent, ErrInvalidParameters); err != nil {
			return err
		}
		// Any unrecognized event name folds to None.
		e, err := NewEvent(string(value))
		if err != nil {
			e = None
		}
		p.req.Event = e

	case "numwant":
		if err := p.declare(paramNumWant, ErrInvalidParameters); err != nil {
			return err
		}
		v, err := strconv.ParseInt(string(value), 10, 32)
		if err != nil {
			return ErrInvalidParameters
		}
		p.req.NumWant = int32(v)

	case "key":
		if err := p.declare(paramKey, ErrInvalidParameters); err != nil {
			return err
		}
		v, err := strconv.ParseUint(string(value), 10, 32)
		if err != nil {
			return ErrInvalidParameters
		}
		p.req.Key = uint32(v)
		p.req.KeyProvided = true

	case "ip":
		if err := p.declare(paramIP, ErrInvalidIPAddress); err != nil {
			return err
		}
		ip := net.ParseIP(string(value))
		if ip == nil {
			return ErrInvalidIPAddress
		}
		p.req.ProvidedIP = ip

	default:
		if p.ext != nil {
			return p.ext.Parse(key, value)
		}
	}

	return nil
}

// Finalize checks the required fields and returns the assembled request plus
// whatever the extension parser produced.
func (p *AnnounceParser) Finalize() (*AnnounceRequest, interface{}, error) {
	if p.have&paramInfoHash == 0 {
		return nil, nil, ErrInvalidInfoHash
	}
	if p.have&paramPeerID == 0 {
		return nil, nil, ErrInvalidPeerID
	}
	if p.have&paramPort == 0 || p.req.Port == 0 {
		return nil, nil, ErrInvalidPort
	}

	var extData interface{}
	if p.ext != nil {
		var err error
		extData, err = p.ext.Finalize()
		if err != nil {
			return nil, nil, err
		}
	}

	return &p.req, extData, nil
}

// hexDigit decodes one hexadecimal ASCII digit.
func hexDigit(b byte) (byte, bool) {
	digit := b - '0'
	if digit < 10 {
		return digit, true
	}
	// Force the 6th bit to be set to ensure ASCII is lower case.
	digit = (b | 0x20) - 'a' + 10
	if digit >= 10 && digit < 16 {
		return digit, true
	}
	return 0, false
}

// decodePercentByte decodes a %XX escape starting after the percent sign at
// query[i]. It reports the decoded byte and how many input bytes were
// consumed beyond the percent sign. A malformed escape leaves the percent
// sign as a literal byte.
func decodePercentByte(query []byte, i int) (byte, int) {
	if i+2 < len(query) {
		if h, ok := hexDigit(query[i+1]); ok {
			if l, ok := hexDigit(query[i+2]); ok {
				return h<<4 | l, 2
			}
		}
	}
	return '%', 0
}

// ParseQuery walks percent-encoded key/value pairs out of query and feeds
// them to the parser. The input is treated as raw bytes: '&' separates
// pairs, '=' separates a key from its value, '+' decodes to a space and
// %XX escapes decode to the raw byte. Keys and values are decoded into
// fixed-size scratch buffers; overflowing either fails with
// ErrInvalidParameters.
//
// A trailing key without '=' or '&' is discarded, mirroring the behavior
// clients have come to rely on.
func ParseQuery(query []byte, p *AnnounceParser) error {
	var key [maxParamKeyLength]byte
	var value [maxParamValueLength]byte

	i := 0
	for i < len(query) {
		keyLen := 0
		sawEquals := false

	keyLoop:
		for i < len(query) {
			b := query[i]
			switch b {
			case '%':
				var n int
				b, n = decodePercentByte(query, i)
				i += n + 1
			case '+':
				b = ' '
				i++
			case '=':
				i++
				sawEquals = true
				break keyLoop
			case '&':
				i++
				// A key without a value is emitted with an empty value.
				if err := p.Parse(key[:keyLen], nil); err != nil {
					return err
				}
				keyLen = 0
				continue
			default:
				i++
			}
			if keyLen >= maxParamKeyLength {
				return ErrInvalidParameters
			}
			key[keyLen] = b
			keyLen++
		}

		if !sawEquals {
			// Ran off the end while reading a key; drop it.
			return nil
		}

		valueLen := 0
	valueLoop:
		for i < len(query) {
			b := query[i]
			switch b {
			case '%':
				var n int
				b, n = decodePercentByte(query, i)
				i += n + 1
			case '+':
				b = ' '
				i++
			case '&':
				i++
				break valueLoop
			default:
				i++
			}
			if valueLen >= maxParamValueLength {
				return ErrInvalidParameters
			}
			value[valueLen] = b
			valueLen++
		}

		if err := p.Parse(key[:keyLen], value[:valueLen]); err != nil {
			return err
		}
	}

	return nil
}
