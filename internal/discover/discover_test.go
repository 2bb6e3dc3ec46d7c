package discover

import (
	"testing"

	"go.uber.org/zap"

	"github.com/kyanha/overlaynode/internal/crypto"
	"github.com/kyanha/overlaynode/internal/types"
)

func TestBeaconEncryptDecryptRoundTrip(t *testing.T) {
	sys := crypto.NewVLD0()
	pub, _, err := sys.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	self := types.TypedKey{Kind: sys.Kind(), Value: pub}

	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	cfg := BeaconConfig{Group: "239.255.42.99", Port: 4242, Key: key}

	b := NewBroadcaster(zap.NewNop(), cfg, sys, self)
	beacon := Beacon{Type: "beacon", NodeID: self.String(), APIPort: 1234, Hostname: "host1", TS: 1000}

	pkt, err := b.encrypt(beacon)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	got, err := b.decrypt(pkt)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != beacon {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, beacon)
	}
}

func TestBeaconDecryptRejectsTooShort(t *testing.T) {
	sys := crypto.NewVLD0()
	l := NewListener(zap.NewNop(), BeaconConfig{}, sys, nil)
	if _, err := l.b.decrypt([]byte("short")); err == nil {
		t.Fatal("expected decrypt to reject an undersized packet")
	}
}

func TestBeaconDecryptRejectsBitFlip(t *testing.T) {
	sys := crypto.NewVLD0()
	pub, _, err := sys.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	self := types.TypedKey{Kind: sys.Kind(), Value: pub}

	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	cfg := BeaconConfig{Key: key}
	b := NewBroadcaster(zap.NewNop(), cfg, sys, self)

	pkt, err := b.encrypt(Beacon{Type: "beacon"})
	if err != nil {
		t.Fatal(err)
	}
	pkt[len(pkt)-1] ^= 0xFF
	if _, err := b.decrypt(pkt); err == nil {
		t.Fatal("expected decrypt to fail on flipped ciphertext byte")
	}
}
