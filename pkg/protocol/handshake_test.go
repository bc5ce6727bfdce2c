package protocol

import (
	"crypto/sha1"
	"net"
	"testing"
)

func TestHandshakeRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	infoHash := sha1.Sum([]byte("descriptor"))
	clientID := sha1.Sum([]byte("client-peer-id"))
	serverID := sha1.Sum([]byte("server-peer-id"))

	errc := make(chan error, 1)
	go func() {
		_, _, err := Accept(server, serverID, func(got [sha1.Size]byte) bool {
			return got == infoHash
		})
		errc <- err
	}()

	gotPeerID, err := Perform(client, NewHandshake(infoHash, clientID))
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if gotPeerID != serverID {
		t.Fatalf("client learned wrong peer id: %x", gotPeerID)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Accept: %v", err)
	}
}

func TestAcceptRejectsUnrecognizedInfoHash(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	infoHash := sha1.Sum([]byte("descriptor"))
	serverID := sha1.Sum([]byte("server-peer-id"))

	errc := make(chan error, 1)
	go func() {
		_, _, err := Accept(server, serverID, func([sha1.Size]byte) bool { return false })
		errc <- err
	}()

	// Perform will fail because Accept never writes back; close the
	// client side once we've confirmed Accept rejected the handshake.
	go func() {
		_, _ = Perform(client, NewHandshake(infoHash, sha1.Sum([]byte("client"))))
	}()

	if err := <-errc; err == nil {
		t.Fatal("expected Accept to reject an unrecognized info hash")
	}
}
