package bittorrent

// ClientError represents an error that should be exposed to the client over
// the BitTorrent protocol implementation.
//
// All ClientError messages consist only of printable ASCII so that they can
// be copied verbatim into a UDP error packet.
type ClientError string

// Error implements the error interface for ClientError.
func (c ClientError) Error() string { return string(c) }

// The errors a client request can be rejected with at the protocol boundary.
var (
	// ErrAccessDenied is returned for requests carrying a connection ID that
	// does not verify against any acceptable time window.
	ErrAccessDenied = ClientError("access denied")

	// ErrInvalidAnnounceURL is returned when the URLData of an announce is
	// neither /announce nor /announce followed by a '?' query.
	ErrInvalidAnnounceURL = ClientError("invalid announce url")

	// ErrInvalidInfoHash is returned when an info_hash parameter is missing,
	// duplicated or not exactly 20 bytes.
	ErrInvalidInfoHash = ClientError("invalid info hash")

	// ErrInvalidPeerID is returned when a peer_id parameter is missing,
	// duplicated or not exactly 20 bytes.
	ErrInvalidPeerID = ClientError("invalid peer id")

	// ErrInvalidPort is returned for ports outside 1-65535 and, at the
	// tracker, for system ports below 1024.
	ErrInvalidPort = ClientError("invalid port")

	// ErrInvalidIPAddress is returned when an ip parameter is not a textual
	// IPv4 or IPv6 address. DNS names are never resolved.
	ErrInvalidIPAddress = ClientError("invalid ip address")

	// ErrInvalidParameters is returned for any other malformed announce
	// parameter, including oversized keys and values.
	ErrInvalidParameters = ClientError("invalid parameters")

	// ErrIPAddressChanged is returned when a known peer announces from a new
	// address without proving its identity with a matching key.
	ErrIPAddressChanged = ClientError("ip address changed")

	// ErrTorrentNotFound is returned for announces to unknown torrents when
	// tracking unknown torrents is disabled.
	ErrTorrentNotFound = ClientError("torrent not found")
)
