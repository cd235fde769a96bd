/*
ubee - ZigBee NWK/APS stack on Go
Copyright (c) 2023 GSB, Georgii Batanov gbatanov @ yandex.ru
*/

package radio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// DefaultBaud works on linux, windows and mac alike.
const DefaultBaud = 115200

var ErrPortClosed = errors.New("radio: port closed")

// Uart is the serial link to the co-processor.
type Uart struct {
	name string
	baud int

	mu     sync.Mutex
	port   *serial.Port
	opened bool
}

func NewUart(name string, baud int) *Uart {
	if baud == 0 {
		baud = DefaultBaud
	}
	return &Uart{name: name, baud: baud}
}

// Open opens the port. Reads time out after a second so the read loop can
// notice shutdown.
func (u *Uart) Open() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.opened {
		return nil
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        u.name,
		Baud:        u.baud,
		ReadTimeout: time.Second,
	})
	if err != nil {
		return fmt.Errorf("radio: open %s: %w", u.name, err)
	}
	u.port = port
	u.opened = true
	return nil
}

func (u *Uart) Read(b []byte) (int, error) {
	p := u.current()
	if p == nil {
		return 0, ErrPortClosed
	}
	return p.Read(b)
}

// Write sends the whole of b or fails.
func (u *Uart) Write(b []byte) (int, error) {
	p := u.current()
	if p == nil {
		return 0, ErrPortClosed
	}
	n, err := p.Write(b)
	if err != nil {
		return n, err
	}
	if n != len(b) {
		return n, fmt.Errorf("radio: short write %d of %d", n, len(b))
	}
	return n, nil
}

func (u *Uart) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.opened {
		return nil
	}
	u.opened = false
	_ = u.port.Flush()
	return u.port.Close()
}

func (u *Uart) current() *serial.Port {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.opened {
		return nil
	}
	return u.port
}

func (u *Uart) String() string { return u.name }
