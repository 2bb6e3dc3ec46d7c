package dialinfo

import (
	"testing"

	"github.com/kyanha/overlaynode/internal/types"
)

func TestRoundTrip(t *testing.T) {
	cases := []types.DialInfo{
		{Protocol: types.ProtocolUDP, Address: "198.51.100.1:5150"},
		{Protocol: types.ProtocolTCP, Address: "198.51.100.1:5150"},
		{Protocol: types.ProtocolWS, Address: "198.51.100.1:5150", Path: "/ws"},
		{Protocol: types.ProtocolWSS, Address: "example.org:443", Path: "/ws"},
	}
	for _, d := range cases {
		got, err := FromString(ToString(d))
		if err != nil {
			t.Fatalf("%v: %v", d, err)
		}
		if got != d {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, d)
		}
	}
}

func TestWSSRejectsIPLiteral(t *testing.T) {
	if _, err := FromString("wss|198.51.100.1:443|/ws"); err == nil {
		t.Fatal("expected wss with IP-literal host to be rejected")
	}
}

func TestNodeDialInfoRoundTrip(t *testing.T) {
	var key types.TypedKey
	key.Kind = types.CryptoKindVLD0
	for i := range key.Value {
		key.Value[i] = byte(i)
	}
	d := types.DialInfo{Protocol: types.ProtocolUDP, Address: "198.51.100.1:5150"}

	s := NodeDialInfoString(key, d)
	gotKey, gotDI, err := ParseNodeDialInfoString(types.CryptoKindVLD0, s)
	if err != nil {
		t.Fatal(err)
	}
	if gotKey != key {
		t.Fatalf("key mismatch: got %+v want %+v", gotKey, key)
	}
	if gotDI != d {
		t.Fatalf("dial info mismatch: got %+v want %+v", gotDI, d)
	}
}

func TestShortFormRoundTrip(t *testing.T) {
	cases := []struct {
		d        types.DialInfo
		hostname string
	}{
		{types.DialInfo{Protocol: types.ProtocolUDP, Address: "bootstrap.example:5150"}, "bootstrap.example"},
		{types.DialInfo{Protocol: types.ProtocolTCP, Address: "bootstrap.example:5150"}, "bootstrap.example"},
		{types.DialInfo{Protocol: types.ProtocolWS, Address: "bootstrap.example:5150", Path: "/ws"}, "bootstrap.example"},
		{types.DialInfo{Protocol: types.ProtocolWSS, Address: "bootstrap.example:443", Path: "/ws"}, "bootstrap.example"},
	}
	for _, c := range cases {
		short := ShortForm(c.d)
		got, err := ParseShortForm(short, c.hostname)
		if err != nil {
			t.Fatalf("%v: %v", c.d, err)
		}
		if got != c.d {
			t.Fatalf("short form round trip mismatch: got %+v want %+v", got, c.d)
		}
	}
}

func TestFromStringRejectsUnknownProtocol(t *testing.T) {
	if _, err := FromString("quic|198.51.100.1:5150"); err == nil {
		t.Fatal("expected unknown protocol to be rejected")
	}
}

func TestIsGloballyRoutable(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"198.51.100.1:5150", true},
		{"127.0.0.1:5150", false},
		{"10.0.0.5:5150", false},
		{"169.254.1.1:5150", false},
		{"example.org:443", true},
	}
	for _, c := range cases {
		d := types.DialInfo{Protocol: types.ProtocolUDP, Address: c.addr}
		if got := IsGloballyRoutable(d); got != c.want {
			t.Fatalf("%s: got %v want %v", c.addr, got, c.want)
		}
	}
}
