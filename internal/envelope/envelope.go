// Package envelope implements the authenticated, encrypted per-hop wire
// frame: a fixed header, an AEAD-sealed body, and a trailing detached
// signature.
package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kyanha/overlaynode/internal/crypto"
	"github.com/kyanha/overlaynode/internal/types"
)

const (
	MagicEnvelope = "VLD0"
	MagicBoot     = "BOOT"
	MagicReceipt  = "RCPT"

	headerFixedLen = 105 // bytes 0..105, before the AEAD body
	sigLen         = crypto.SignatureLength

	offMagic     = 0
	offVersion   = 4
	offKind      = 5
	offTimestamp = 9
	offNonce     = 17
	offSender    = 41
	offRecipient = 73
	offBody      = 105
)

var (
	ErrTooShort      = errors.New("envelope: buffer too short")
	ErrBadMagic      = errors.New("envelope: bad magic")
	ErrBadSignature  = errors.New("envelope: signature verification failed")
	ErrTimestampSkew = errors.New("envelope: timestamp outside acceptable window")
)

// Kind discriminates the three magic-prefixed wire forms.
type Kind int

const (
	KindEnvelope Kind = iota
	KindBootstrapReply
	KindReceipt
)

// Sniff inspects bytes 0..4 and reports which wire form they encode,
// without otherwise validating the payload. A zero-length packet is a
// keep-alive and is reported as ok=false.
func Sniff(buf []byte) (Kind, bool) {
	if len(buf) == 0 {
		return 0, false
	}
	if len(buf) < 4 {
		return KindEnvelope, true
	}
	switch string(buf[:4]) {
	case MagicBoot:
		return KindBootstrapReply, true
	case MagicReceipt:
		return KindReceipt, true
	default:
		return KindEnvelope, true
	}
}

// Envelope is the decoded, still-encrypted frame.
type Envelope struct {
	Version   uint8
	Kind      types.CryptoKind
	Timestamp int64 // microseconds since epoch
	Nonce     [24]byte
	Sender    [32]byte
	Recipient [32]byte
	Body      []byte // encrypted
	Signature [64]byte
}

// Encode builds the wire form: Header || AEAD(plaintextBody) || Signature.
// The AEAD associated data is the header bytes; the signature covers the
// header and the encrypted body and is produced with the sender's secret key.
func Encode(sys crypto.System, version uint8, kind types.CryptoKind, ts int64,
	senderPub, senderSecret, recipientPub [32]byte, plaintext []byte) ([]byte, error) {

	nonce, err := sys.RandomNonce()
	if err != nil {
		return nil, err
	}
	header := make([]byte, headerFixedLen)
	copy(header[offMagic:], MagicEnvelope)
	header[offVersion] = version
	copy(header[offKind:offKind+4], kind[:])
	binary.LittleEndian.PutUint64(header[offTimestamp:], uint64(ts))
	copy(header[offNonce:offNonce+24], nonce)
	copy(header[offSender:offSender+32], senderPub[:])
	copy(header[offRecipient:offRecipient+32], recipientPub[:])

	shared, err := sys.DH(senderSecret, recipientPub)
	if err != nil {
		return nil, fmt.Errorf("envelope: dh: %w", err)
	}
	key := crypto.DHToAEADKey(shared, "VLD0-envelope-body")
	ct := sys.AEADEncrypt(key, nonce, plaintext, header)

	out := make([]byte, 0, headerFixedLen+len(ct)+sigLen)
	out = append(out, header...)
	out = append(out, ct...)

	sig, err := sys.Sign(senderSecret, senderPub, out)
	if err != nil {
		return nil, fmt.Errorf("envelope: sign: %w", err)
	}
	if len(sig) != sigLen {
		return nil, fmt.Errorf("envelope: unexpected signature length %d", len(sig))
	}
	out = append(out, sig...)
	return out, nil
}

// Decode parses and signature-verifies an envelope, but does NOT decrypt
// the body or validate the timestamp window: callers must call
// ValidateTimestamp and then Open in that order, so decryption never
// precedes sender/recipient/timestamp checks.
func Decode(sys crypto.System, buf []byte) (*Envelope, error) {
	if len(buf) < headerFixedLen+sigLen {
		return nil, ErrTooShort
	}
	if string(buf[offMagic:offVersion]) != MagicEnvelope {
		return nil, ErrBadMagic
	}
	e := &Envelope{}
	e.Version = buf[offVersion]
	copy(e.Kind[:], buf[offKind:offKind+4])
	e.Timestamp = int64(binary.LittleEndian.Uint64(buf[offTimestamp : offTimestamp+8]))
	copy(e.Nonce[:], buf[offNonce:offNonce+24])
	copy(e.Sender[:], buf[offSender:offSender+32])
	copy(e.Recipient[:], buf[offRecipient:offRecipient+32])

	signedPortion := buf[:len(buf)-sigLen]
	copy(e.Signature[:], buf[len(buf)-sigLen:])
	if err := sys.Verify(e.Sender, signedPortion, e.Signature[:]); err != nil {
		return nil, ErrBadSignature
	}
	e.Body = append([]byte(nil), buf[offBody:len(buf)-sigLen]...)
	return e, nil
}

// ValidateTimestamp rejects if |now-ts| exceeds the configured
// behind/ahead windows. Equality at the boundary is accepted.
func ValidateTimestamp(ts, now int64, maxBehindMicros, maxAheadMicros int64) error {
	delta := now - ts
	if delta >= 0 {
		if delta > maxBehindMicros {
			return ErrTimestampSkew
		}
		return nil
	}
	if -delta > maxAheadMicros {
		return ErrTimestampSkew
	}
	return nil
}

// Open decrypts the body using DH(ourSecret, e.Sender) and returns the
// plaintext operation bytes. The header (as transmitted) is reconstructed
// as associated data.
func Open(sys crypto.System, e *Envelope, ourSecret [32]byte) ([]byte, error) {
	header := reconstructHeader(e)
	shared, err := sys.DH(ourSecret, e.Sender)
	if err != nil {
		return nil, fmt.Errorf("envelope: dh: %w", err)
	}
	key := crypto.DHToAEADKey(shared, "VLD0-envelope-body")
	pt, err := sys.AEADDecrypt(key, e.Nonce[:], e.Body, header)
	if err != nil {
		return nil, fmt.Errorf("envelope: decrypt: %w", err)
	}
	return pt, nil
}

// EncodeReceipt builds a raw "RCPT"-tagged frame: no encryption, no
// signature, just the nonce the waiter is keyed on plus whatever small
// confirmation payload the sender wants to attach. Receipts are
// deliberately cheap: the NAT-traversal confirmation and route-test round
// trips can't afford a full envelope per hop.
func EncodeReceipt(nonce [32]byte, extra []byte) []byte {
	out := make([]byte, 0, 4+32+len(extra))
	out = append(out, []byte(MagicReceipt)...)
	out = append(out, nonce[:]...)
	out = append(out, extra...)
	return out
}

// DecodeReceipt reverses EncodeReceipt.
func DecodeReceipt(buf []byte) (nonce [32]byte, extra []byte, ok bool) {
	if len(buf) < 4+32 || string(buf[:4]) != MagicReceipt {
		return nonce, nil, false
	}
	copy(nonce[:], buf[4:36])
	return nonce, buf[36:], true
}

func reconstructHeader(e *Envelope) []byte {
	header := make([]byte, headerFixedLen)
	copy(header[offMagic:], MagicEnvelope)
	header[offVersion] = e.Version
	copy(header[offKind:offKind+4], e.Kind[:])
	binary.LittleEndian.PutUint64(header[offTimestamp:], uint64(e.Timestamp))
	copy(header[offNonce:offNonce+24], e.Nonce[:])
	copy(header[offSender:offSender+32], e.Sender[:])
	copy(header[offRecipient:offRecipient+32], e.Recipient[:])
	return header
}
