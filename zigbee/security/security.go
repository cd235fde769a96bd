/*
ubee - ZigBee NWK/APS stack on Go
Copyright (c) 2022-2024 GSB, Georgii Batanov gbatanov@yandex.ru
MIT License
*/

// Package security frames APS payloads with the auxiliary security header
// and hands the cryptography to an external Provider.
package security

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// KeyID is the key identifier of the auxiliary header.
type KeyID uint8

const (
	KeyData      KeyID = 0 // link key
	KeyNetwork   KeyID = 1
	KeyTransport KeyID = 2
	KeyLoad      KeyID = 3
)

// Status is the security status reported with an indication.
type Status uint8

const (
	Unsecured Status = iota
	SecuredNwkKey
	SecuredLinkKey
)

func (s Status) String() string {
	switch s {
	case Unsecured:
		return "UNSECURED"
	case SecuredNwkKey:
		return "SECURED_NWK_KEY"
	case SecuredLinkKey:
		return "SECURED_LINK_KEY"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Failure classifies a security error.
type Failure uint8

const (
	FailMalformed Failure = iota
	FailBadFrameCounter
	FailBadKeySequence
	FailAuthentication
	FailProvider
)

func (f Failure) String() string {
	switch f {
	case FailMalformed:
		return "malformed"
	case FailBadFrameCounter:
		return "bad frame counter"
	case FailBadKeySequence:
		return "bad key sequence number"
	case FailAuthentication:
		return "authentication"
	case FailProvider:
		return "provider"
	}
	return "unknown"
}

var (
	ErrDisabled         = errors.New("security: disabled")
	ErrMalformed        = errors.New("security: malformed auxiliary header")
	ErrBadFrameCounter  = errors.New("security: stale frame counter")
	ErrBadKeySequence   = errors.New("security: unknown key sequence number")
	ErrCounterExhausted = errors.New("security: outgoing frame counter exhausted")
)

// Error is returned by Secure and Unsecure.
type Error struct {
	Status Failure
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("security: %s: %v", e.Status, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Nonce feeds the CCM* nonce of the provider.
type Nonce struct {
	Source  uint64
	Counter uint32
	Control uint8
}

// Provider is the cryptographic collaborator. Protect yields the ciphertext
// with the MIC appended, Verify the recovered plaintext. An error return
// means the operation never started and done is not called; otherwise
// done is called exactly once, possibly before the method returns.
type Provider interface {
	Protect(key KeyID, n Nonce, aad, plaintext []byte, micLen int, done func([]byte, error)) error
	Verify(key KeyID, n Nonce, aad, sealed []byte, micLen int, done func([]byte, error)) error
}

// SecureFunc receives the auxiliary header and sealed payload.
type SecureFunc func(out []byte, err error)

// UnsecureFunc receives the plaintext and how it was protected.
type UnsecureFunc func(plain []byte, status Status, err error)

// auxiliary header security control bits
const (
	scLevelMask   = 0x07
	scKeyShift    = 3
	scKeyMask     = 0x18
	scExtNonce    = 0x20
	auxFixedLen   = 5
	maxOutCounter = 0xffffffff
)

// MICLen returns the MIC size of a security level.
func MICLen(level uint8) int {
	switch level & 0x03 {
	case 1:
		return 4
	case 2:
		return 8
	case 3:
		return 16
	}
	return 0
}

// Adapter tracks frame counters and the active key sequence of one node.
type Adapter struct {
	provider Provider
	level    uint8
	source   uint64

	mu         sync.Mutex
	outCounter uint32
	inCounters map[uint64]uint32
	keySeq     uint8
}

// New builds an adapter. A nil provider or level 0 disables security.
func New(p Provider, level uint8, source uint64) *Adapter {
	return &Adapter{
		provider:   p,
		level:      level & scLevelMask,
		source:     source,
		inCounters: make(map[uint64]uint32),
	}
}

func (a *Adapter) Enabled() bool {
	return a != nil && a.provider != nil && a.level != 0
}

// Overhead is the number of octets Secure adds to a payload.
func (a *Adapter) Overhead(key KeyID, extNonce bool) int {
	if !a.Enabled() {
		return 0
	}
	n := auxFixedLen + MICLen(a.level)
	if extNonce {
		n += 8
	}
	if key == KeyNetwork {
		n++
	}
	return n
}

// SetKeySequence switches the active network key.
func (a *Adapter) SetKeySequence(seq uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keySeq = seq
}

func (a *Adapter) KeySequence() uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.keySeq
}

// SetOutgoingCounter restores a persisted counter.
func (a *Adapter) SetOutgoingCounter(c uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outCounter = c
}

func (a *Adapter) OutgoingCounter() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outCounter
}

// Reset forgets incoming counters, used when the node leaves the network.
func (a *Adapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inCounters = make(map[uint64]uint32)
}

// Secure hands done the auxiliary header followed by the sealed payload.
// aad is the APS header as it goes on the wire. done is called exactly
// once; failures are *Error.
func (a *Adapter) Secure(aad, payload []byte, key KeyID, extNonce bool, done SecureFunc) {
	if !a.Enabled() {
		done(nil, &Error{Status: FailProvider, Err: ErrDisabled})
		return
	}
	a.mu.Lock()
	if a.outCounter == maxOutCounter {
		a.mu.Unlock()
		done(nil, &Error{Status: FailBadFrameCounter, Err: ErrCounterExhausted})
		return
	}
	counter := a.outCounter
	a.outCounter++
	keySeq := a.keySeq
	a.mu.Unlock()

	control := a.level | uint8(key)<<scKeyShift
	if extNonce {
		control |= scExtNonce
	}
	out := make([]byte, 0, a.Overhead(key, extNonce)+len(payload))
	out = append(out, control)
	out = binary.LittleEndian.AppendUint32(out, counter)
	if extNonce {
		out = binary.LittleEndian.AppendUint64(out, a.source)
	}
	if key == KeyNetwork {
		out = append(out, keySeq)
	}
	err := a.provider.Protect(key, Nonce{Source: a.source, Counter: counter, Control: control},
		aad, payload, MICLen(a.level), func(sealed []byte, err error) {
			if err != nil {
				done(nil, &Error{Status: FailProvider, Err: err})
				return
			}
			done(append(out, sealed...), nil)
		})
	if err != nil {
		done(nil, &Error{Status: FailProvider, Err: err})
	}
}

// Unsecure checks and strips the auxiliary header, handing done the
// plaintext. src is the sender's extended address when known; an extended
// nonce in the header wins. done is called exactly once; failures are
// *Error.
func (a *Adapter) Unsecure(aad, b []byte, src uint64, done UnsecureFunc) {
	fail := func(f Failure, err error) { done(nil, Unsecured, &Error{Status: f, Err: err}) }
	if !a.Enabled() {
		fail(FailProvider, ErrDisabled)
		return
	}
	if len(b) < auxFixedLen {
		fail(FailMalformed, ErrMalformed)
		return
	}
	control := b[0]
	key := KeyID((control & scKeyMask) >> scKeyShift)
	counter := binary.LittleEndian.Uint32(b[1:])
	n := auxFixedLen
	if control&scExtNonce != 0 {
		if len(b) < n+8 {
			fail(FailMalformed, ErrMalformed)
			return
		}
		src = binary.LittleEndian.Uint64(b[n:])
		n += 8
	}
	if key == KeyNetwork {
		if len(b) < n+1 {
			fail(FailMalformed, ErrMalformed)
			return
		}
		if b[n] != a.KeySequence() {
			fail(FailBadKeySequence, ErrBadKeySequence)
			return
		}
		n++
	}
	if !a.fresh(src, counter) {
		fail(FailBadFrameCounter, ErrBadFrameCounter)
		return
	}
	mic := MICLen(control & scLevelMask)
	if len(b)-n < mic {
		fail(FailMalformed, ErrMalformed)
		return
	}
	status := SecuredLinkKey
	if key == KeyNetwork {
		status = SecuredNwkKey
	}
	err := a.provider.Verify(key, Nonce{Source: src, Counter: counter, Control: control}, aad, b[n:], mic,
		func(plain []byte, err error) {
			if err != nil {
				fail(FailAuthentication, err)
				return
			}
			// another frame of src may have been accepted meanwhile
			a.mu.Lock()
			last, seen := a.inCounters[src]
			if seen && counter <= last {
				a.mu.Unlock()
				fail(FailBadFrameCounter, ErrBadFrameCounter)
				return
			}
			a.inCounters[src] = counter
			a.mu.Unlock()
			done(plain, status, nil)
		})
	if err != nil {
		fail(FailProvider, err)
	}
}

func (a *Adapter) fresh(src uint64, counter uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	last, seen := a.inCounters[src]
	return !seen || counter > last
}
