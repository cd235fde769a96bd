// Package pi4 drives the radio's hardware reset line from a Raspberry Pi
// GPIO pin.
package pi4

import (
	"errors"
	"fmt"
	"sync"
	"time"

	rpio "github.com/stianeikeland/go-rpio/v4"
)

// DefaultResetPin is BCM 17, wired to the RST pad of the CC2652 board.
const DefaultResetPin = 17

const resetPulse = 100 * time.Millisecond

var ErrNoGPIO = errors.New("pi4: gpio not available")

// gpio is the part of rpio the reset line needs.
type gpio interface {
	Open() error
	Close() error
	Low(pin int)
	High(pin int)
}

type rpioGPIO struct{}

func (rpioGPIO) Open() error  { return rpio.Open() }
func (rpioGPIO) Close() error { return rpio.Close() }
func (rpioGPIO) Low(pin int) {
	p := rpio.Pin(pin)
	p.Output()
	p.Low()
}
func (rpioGPIO) High(pin int) {
	p := rpio.Pin(pin)
	p.Output()
	p.High()
}

// ResetLine pulses a GPIO pin low to hard-reset the radio.
type ResetLine struct {
	mu    sync.Mutex
	pin   int
	io    gpio
	sleep func(time.Duration)
}

func NewResetLine(pin int) *ResetLine {
	return &ResetLine{pin: pin, io: rpioGPIO{}, sleep: time.Sleep}
}

// Available reports whether the GPIO memory can be mapped on this host.
func Available() bool {
	if err := rpio.Open(); err != nil {
		return false
	}
	rpio.Close()
	return true
}

func (r *ResetLine) ResetRadio() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.io.Open(); err != nil {
		return fmt.Errorf("%w: %v", ErrNoGPIO, err)
	}
	defer r.io.Close()
	r.io.Low(r.pin)
	r.sleep(resetPulse)
	r.io.High(r.pin)
	r.sleep(resetPulse)
	return nil
}
