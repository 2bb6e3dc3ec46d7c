package crypto

import (
	"bytes"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	sys := NewVLD0()
	pub, sec, err := sys.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("authenticate this")
	sig, err := sys.Sign(sec, pub, data)
	if err != nil {
		t.Fatal(err)
	}
	if err := sys.Verify(pub, data, sig); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestVerifyRejectsBitFlip(t *testing.T) {
	sys := NewVLD0()
	pub, sec, _ := sys.GenerateKeyPair()
	data := []byte("authenticate this")
	sig, err := sys.Sign(sec, pub, data)
	if err != nil {
		t.Fatal(err)
	}
	sig[0] ^= 0xFF
	if err := sys.Verify(pub, data, sig); err == nil {
		t.Fatal("expected verify to fail on flipped signature byte")
	}
	data[0] ^= 0xFF
	sig[0] ^= 0xFF // restore
	if err := sys.Verify(pub, data, sig); err == nil {
		t.Fatal("expected verify to fail on flipped data byte")
	}
}

// TestDHIsSymmetric is the load-bearing property this whole core depends
// on: two peers who only ever exchange ed25519 public keys (as published
// in TypedKey/NodeInfo) must still arrive at the same AEAD key via DH,
// with neither side needing the other's secret.
func TestDHIsSymmetric(t *testing.T) {
	sys := NewVLD0()
	aPub, aSec, err := sys.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bPub, bSec, err := sys.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	sharedA, err := sys.DH(aSec, bPub)
	if err != nil {
		t.Fatal(err)
	}
	sharedB, err := sys.DH(bSec, aPub)
	if err != nil {
		t.Fatal(err)
	}
	if sharedA != sharedB {
		t.Fatalf("dh not symmetric: a=%x b=%x", sharedA, sharedB)
	}
}

func TestAEADRoundTrip(t *testing.T) {
	sys := NewVLD0()
	var key [32]byte
	copy(key[:], bytes.Repeat([]byte{0x42}, 32))
	nonce, err := sys.RandomNonce()
	if err != nil {
		t.Fatal(err)
	}
	pt := []byte("the quick brown fox")
	ad := []byte("associated")

	ct := sys.AEADEncrypt(key, nonce, pt, ad)
	got, err := sys.AEADDecrypt(key, nonce, ct, ad)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, pt) {
		t.Fatalf("got %q want %q", got, pt)
	}

	ct[0] ^= 0xFF
	if _, err := sys.AEADDecrypt(key, nonce, ct, ad); err == nil {
		t.Fatal("expected decrypt to fail on flipped ciphertext byte")
	}
}

func TestKeyedHashDeterministic(t *testing.T) {
	sys := NewVLD0()
	h1 := sys.KeyedHash([]byte("domain"), []byte("a"), []byte("b"))
	h2 := sys.KeyedHash([]byte("domain"), []byte("a"), []byte("b"))
	if h1 != h2 {
		t.Fatal("keyed hash should be deterministic for identical input")
	}
	h3 := sys.KeyedHash([]byte("domain"), []byte("a"), []byte("c"))
	if h1 == h3 {
		t.Fatal("keyed hash should differ for different input")
	}
}
