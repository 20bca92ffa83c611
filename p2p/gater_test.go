package p2p

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

func TestAdmissionGater_RefusesIncompatiblePeer(t *testing.T) {
	book, err := NewPeerBook(PeerBookConfig{})
	if err != nil {
		t.Fatalf("peer book: %v", err)
	}
	bad := peer.ID("12D3KooWIncompatiblePeer1234")
	book.MarkIncompatible(bad)
	gater := NewAdmissionGater(book.IsIncompatible)

	if gater.InterceptPeerDial(bad) {
		t.Fatal("expected incompatible peer dial to be blocked")
	}
	addr, err := multiaddr.NewMultiaddr("/ip4/127.0.0.1/tcp/28480")
	if err != nil {
		t.Fatalf("failed to build multiaddr: %v", err)
	}
	if gater.InterceptAddrDial(bad, addr) {
		t.Fatal("expected incompatible peer addr dial to be blocked")
	}
	if gater.InterceptSecured(network.DirInbound, bad, nil) {
		t.Fatal("expected incompatible peer secured connection to be blocked")
	}
}

func TestAdmissionGater_KeepsQuarantinedPeerConnected(t *testing.T) {
	book, err := NewPeerBook(PeerBookConfig{})
	if err != nil {
		t.Fatalf("peer book: %v", err)
	}
	struck := peer.ID("12D3KooWStruckPeer123456789")
	book.AddPeer(struck, nil, Handshake{})
	for i := 0; i < 3; i++ {
		book.AddStrike(struck, StrikeBadPoW)
	}
	if !book.IsQuarantined(struck) {
		t.Fatal("expected peer to be quarantined")
	}

	gater := NewAdmissionGater(book.IsIncompatible)
	if !gater.InterceptPeerDial(struck) {
		t.Fatal("quarantine must not block dials")
	}
	if !gater.InterceptSecured(network.DirOutbound, struck, nil) {
		t.Fatal("quarantine must not block secured connections")
	}
	// InterceptAccept is permissive until peer identity is known.
	if !gater.InterceptAccept(nil) {
		t.Fatal("expected pre-handshake accept to be allowed")
	}
}

func TestAdmissionGater_IncompatibleRefusalExpires(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	book, err := NewPeerBook(PeerBookConfig{Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("peer book: %v", err)
	}
	p := peer.ID("12D3KooWRetryLater12345678")
	book.MarkIncompatible(p)
	gater := NewAdmissionGater(book.IsIncompatible)
	if gater.InterceptPeerDial(p) {
		t.Fatal("expected refusal right after the failed handshake")
	}

	now = now.Add(IncompatibleRetention + time.Second)
	if !gater.InterceptPeerDial(p) {
		t.Fatal("expected refusal to lapse after the retention window")
	}
}
