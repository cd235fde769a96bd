package radio

import (
	"encoding/binary"
	"fmt"

	"ubee/zigbee/security"
)

// Provider runs CCM* on the co-processor, which holds the keys. Results
// arrive on the radio's reader goroutine.
type Provider struct {
	r *Radio
}

func NewProvider(r *Radio) *Provider { return &Provider{r: r} }

func (p *Provider) Protect(key security.KeyID, n security.Nonce, aad, plaintext []byte, micLen int, done func([]byte, error)) error {
	return p.run(SEC_PROTECT_REQ, key, n, aad, plaintext, micLen, done)
}

func (p *Provider) Verify(key security.KeyID, n security.Nonce, aad, sealed []byte, micLen int, done func([]byte, error)) error {
	return p.run(SEC_VERIFY_REQ, key, n, aad, sealed, micLen, done)
}

// request: key, source, counter, control, mic length, aad length, aad, data
func (p *Provider) run(id CommandID, key security.KeyID, n security.Nonce, aad, data []byte, micLen int, done func([]byte, error)) error {
	if len(aad)+len(data)+16 > MaxPayload {
		return fmt.Errorf("radio: %s input of %d octets", id, len(aad)+len(data))
	}
	buf := make([]byte, 0, 16+len(aad)+len(data))
	buf = append(buf, byte(key))
	buf = binary.LittleEndian.AppendUint64(buf, n.Source)
	buf = binary.LittleEndian.AppendUint32(buf, n.Counter)
	buf = append(buf, n.Control, byte(micLen), byte(len(aad)))
	buf = append(buf, aad...)
	buf = append(buf, data...)

	return p.r.submit(id, buf, func(rsp Command, err error) {
		if err == nil && rsp.Status() != 0 {
			err = fmt.Errorf("%w: %s status 0x%02x", ErrStatus, id, rsp.Status())
		}
		if err != nil {
			done(nil, err)
			return
		}
		done(append([]byte(nil), rsp.Payload[1:]...), nil)
	})
}
