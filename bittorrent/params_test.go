package bittorrent

import (
	"math"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func parseAnnounce(t *testing.T, query string) (*AnnounceRequest, error) {
	t.Helper()
	p := NewAnnounceParser(nil)
	if err := ParseQuery([]byte(query), p); err != nil {
		return nil, err
	}
	req, _, err := p.Finalize()
	return req, err
}

const minimalQuery = "info_hash=aaaaaaaaaaaaaaaaaaaa&peer_id=bbbbbbbbbbbbbbbbbbbb&port=6881"

func TestParseAnnounceDefaults(t *testing.T) {
	req, err := parseAnnounce(t, minimalQuery)
	require.NoError(t, err)

	require.Equal(t, InfoHashFromString("aaaaaaaaaaaaaaaaaaaa"), req.InfoHash)
	require.Equal(t, PeerIDFromString("bbbbbbbbbbbbbbbbbbbb"), req.PeerID)
	require.Equal(t, uint16(6881), req.Port)
	require.Equal(t, int64(0), req.Uploaded)
	require.Equal(t, int64(0), req.Downloaded)
	require.Equal(t, int64(math.MaxInt64), req.Left)
	require.Equal(t, None, req.Event)
	require.Equal(t, int32(-1), req.NumWant)
	require.False(t, req.KeyProvided)
	require.Nil(t, req.ProvidedIP)
}

func TestParseAnnounceFull(t *testing.T) {
	req, err := parseAnnounce(t, minimalQuery+
		"&uploaded=1024&downloaded=2048&left=0&event=completed&numwant=25&key=12345&ip=150.150.150.150")
	require.NoError(t, err)

	require.Equal(t, int64(1024), req.Uploaded)
	require.Equal(t, int64(2048), req.Downloaded)
	require.Equal(t, int64(0), req.Left)
	require.Equal(t, Completed, req.Event)
	require.Equal(t, int32(25), req.NumWant)
	require.True(t, req.KeyProvided)
	require.Equal(t, uint32(12345), req.Key)
	require.True(t, net.ParseIP("150.150.150.150").Equal(req.ProvidedIP))
}

func TestParseAnnounceEscapes(t *testing.T) {
	// "%62%62..." must decode to raw bytes; '+' must decode to a space.
	encodedPeerID := strings.Repeat("%62", 20)
	req, err := parseAnnounce(t,
		"info_hash=aaaaaaaaa+aaaaaaaaaa&peer_id="+encodedPeerID+"&port=6881")
	require.NoError(t, err)
	require.Equal(t, InfoHashFromString("aaaaaaaaa aaaaaaaaaa"), req.InfoHash)
	require.Equal(t, PeerIDFromString("bbbbbbbbbbbbbbbbbbbb"), req.PeerID)
}

func TestParseAnnounceMalformedEscapeIsLiteral(t *testing.T) {
	// An invalid escape leaves the percent sign in place instead of failing.
	req, err := parseAnnounce(t,
		"info_hash=aaaaaaaaaaaaaaaaa%zz&peer_id=bbbbbbbbbbbbbbbbbbbb&port=6881")
	require.NoError(t, err)
	require.Equal(t, InfoHashFromString("aaaaaaaaaaaaaaaaa%zz"), req.InfoHash)
}

func TestParseAnnounceErrors(t *testing.T) {
	var table = []struct {
		name  string
		query string
		err   error
	}{
		{"missing info_hash", "peer_id=bbbbbbbbbbbbbbbbbbbb&port=6881", ErrInvalidInfoHash},
		{"missing peer_id", "info_hash=aaaaaaaaaaaaaaaaaaaa&port=6881", ErrInvalidPeerID},
		{"missing port", "info_hash=aaaaaaaaaaaaaaaaaaaa&peer_id=bbbbbbbbbbbbbbbbbbbb", ErrInvalidPort},
		{"short info_hash", "info_hash=aaa&peer_id=bbbbbbbbbbbbbbbbbbbb&port=6881", ErrInvalidInfoHash},
		{"long peer_id", "info_hash=aaaaaaaaaaaaaaaaaaaa&peer_id=bbbbbbbbbbbbbbbbbbbbb&port=6881", ErrInvalidPeerID},
		{"port zero", "info_hash=aaaaaaaaaaaaaaaaaaaa&peer_id=bbbbbbbbbbbbbbbbbbbb&port=0", ErrInvalidPort},
		{"port overflow", "info_hash=aaaaaaaaaaaaaaaaaaaa&peer_id=bbbbbbbbbbbbbbbbbbbb&port=70000", ErrInvalidPort},
		{"duplicate port", minimalQuery + "&port=6882", ErrInvalidPort},
		{"duplicate left", minimalQuery + "&left=1&left=2", ErrInvalidParameters},
		{"bad uploaded", minimalQuery + "&uploaded=spam", ErrInvalidParameters},
		{"bad numwant", minimalQuery + "&numwant=a", ErrInvalidParameters},
		{"bad key", minimalQuery + "&key=-1", ErrInvalidParameters},
		{"dns ip", minimalQuery + "&ip=tracker.example.com", ErrInvalidIPAddress},
		{"oversized key", minimalQuery + "&" + strings.Repeat("k", 33) + "=v", ErrInvalidParameters},
		{"oversized value", minimalQuery + "&k=" + strings.Repeat("v", 257), ErrInvalidParameters},
	}

	for _, tt := range table {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseAnnounce(t, tt.query)
			require.Equal(t, tt.err, err)
		})
	}
}

func TestParseAnnounceUnknownEventFoldsToNone(t *testing.T) {
	req, err := parseAnnounce(t, minimalQuery+"&event=purple")
	require.NoError(t, err)
	require.Equal(t, None, req.Event)
}

func TestParseAnnounceKeyZeroIsAKey(t *testing.T) {
	req, err := parseAnnounce(t, minimalQuery+"&key=0")
	require.NoError(t, err)
	require.True(t, req.KeyProvided)
	require.Equal(t, uint32(0), req.Key)
}

func TestParseQueryDropsTrailingBareKey(t *testing.T) {
	req, err := parseAnnounce(t, minimalQuery+"&trailing")
	require.NoError(t, err)
	require.Equal(t, uint16(6881), req.Port)
}

func TestSeededParser(t *testing.T) {
	seed := AnnounceRequest{
		InfoHash: InfoHashFromString("aaaaaaaaaaaaaaaaaaaa"),
		PeerID:   PeerIDFromString("bbbbbbbbbbbbbbbbbbbb"),
		Port:     6881,
		Left:     100,
		NumWant:  -1,
	}

	// An empty query leaves the seed untouched and satisfies the required
	// fields.
	p := SeededAnnounceParser(seed, nil)
	req, _, err := p.Finalize()
	require.NoError(t, err)
	require.Equal(t, seed, *req)

	// Query parameters override the seed.
	p = SeededAnnounceParser(seed, nil)
	require.NoError(t, ParseQuery([]byte("left=0&numwant=5"), p))
	req, _, err = p.Finalize()
	require.NoError(t, err)
	require.Equal(t, int64(0), req.Left)
	require.Equal(t, int32(5), req.NumWant)
	require.Equal(t, seed.InfoHash, req.InfoHash)

	// Duplicates within the query still fail.
	p = SeededAnnounceParser(seed, nil)
	require.Equal(t, ErrInvalidParameters, ParseQuery([]byte("left=0&left=1"), p))
}

type recordingParamsParser struct {
	pairs map[string]string
}

func (r *recordingParamsParser) Parse(key, value []byte) error {
	if r.pairs == nil {
		r.pairs = make(map[string]string)
	}
	r.pairs[string(key)] = string(value)
	return nil
}

func (r *recordingParamsParser) Finalize() (interface{}, error) {
	return r.pairs, nil
}

func TestUnknownParamsFlowToExtension(t *testing.T) {
	ext := &recordingParamsParser{}
	p := NewAnnounceParser(ext)
	require.NoError(t, ParseQuery([]byte(minimalQuery+"&auth=0x1337&pad="), p))

	_, data, err := p.Finalize()
	require.NoError(t, err)
	require.Equal(t, map[string]string{"auth": "0x1337", "pad": ""}, data)
}
