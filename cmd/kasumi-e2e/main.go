// Command kasumi-e2e announces twice against a running tracker and checks
// that the second announce is served the first peer. It is a smoke test for
// deployments, not part of the test suite.
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/anacrolix/torrent/tracker"
	"github.com/pkg/errors"
)

var (
	udpTrackerURL string
	delay         time.Duration
)

func init() {
	flag.StringVar(&udpTrackerURL, "udp", "udp://127.0.0.1:6969", "the address of the UDP tracker")
	flag.DurationVar(&delay, "delay", 1*time.Second, "the delay between announces")
}

func main() {
	flag.Parse()

	fmt.Println("testing UDP...")
	if err := testUDP(); err != nil {
		fmt.Println("failed:", err)
		os.Exit(1)
	}
	fmt.Println("success")
}

func generateInfohash() [20]byte {
	var ih [20]byte

	n, err := rand.Read(ih[:])
	if err != nil {
		panic(err)
	}
	if n != 20 {
		panic(fmt.Errorf("not enough randomness? Got %d bytes", n))
	}

	return ih
}

func testUDP() error {
	infoHash := generateInfohash()

	req := tracker.AnnounceRequest{
		InfoHash:   infoHash,
		PeerId:     [20]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20},
		Downloaded: 50,
		Left:       100,
		Uploaded:   50,
		Event:      tracker.Started,
		NumWant:    50,
		Port:       10001,
	}

	_, err := (tracker.Announce{TrackerUrl: udpTrackerURL, Request: req, UserAgent: "kasumi-e2e"}).Do()
	if err != nil {
		return errors.Wrap(err, "announce failed")
	}

	time.Sleep(delay)

	req = tracker.AnnounceRequest{
		InfoHash:   infoHash,
		PeerId:     [20]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 21},
		Downloaded: 50,
		Left:       100,
		Uploaded:   50,
		Event:      tracker.Started,
		NumWant:    50,
		Port:       10002,
	}

	resp, err := (tracker.Announce{TrackerUrl: udpTrackerURL, Request: req, UserAgent: "kasumi-e2e"}).Do()
	if err != nil {
		return errors.Wrap(err, "announce failed")
	}

	if len(resp.Peers) != 1 {
		return fmt.Errorf("expected 1 peer, got %d", len(resp.Peers))
	}
	if resp.Peers[0].Port != 10001 {
		return fmt.Errorf("expected peer on port 10001, got %d", resp.Peers[0].Port)
	}

	return nil
}
