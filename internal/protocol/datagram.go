package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
)

var ErrEmptyFrame = errors.New("protocol: empty frame")

type Header struct {
	ID         string            `cbor:"1,keyasint"`
	Code       int32             `cbor:"2,keyasint"`
	Version    int32             `cbor:"3,keyasint,omitempty"`
	Flag       int32             `cbor:"4,keyasint,omitempty"`
	Properties map[string]string `cbor:"5,keyasint,omitempty"`
}

// Datagram is one message on the agent channel.
type Datagram struct {
	Header Header `cbor:"1,keyasint"`
	Body   []byte `cbor:"2,keyasint,omitempty"`

	released atomic.Bool
}

func NewRequest(code int32, id string, body []byte) *Datagram {
	return &Datagram{Header: Header{ID: id, Code: code}, Body: body}
}

func (d *Datagram) Code() int32 { return d.Header.Code }

func (d *Datagram) IsEnd() bool { return d.Header.Flag&FlagEnd != 0 }

func (d *Datagram) Property(key string) string {
	return d.Header.Properties[key]
}

func (d *Datagram) SetProperty(key, value string) {
	if d.Header.Properties == nil {
		d.Header.Properties = make(map[string]string)
	}
	d.Header.Properties[key] = value
}

// Status reads the numeric status property, falling back to def.
func (d *Datagram) Status(def int) int {
	v, ok := d.Header.Properties[PropStatus]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Release drops the body. Safe to call more than once.
func (d *Datagram) Release() {
	if d.released.CompareAndSwap(false, true) {
		d.Body = nil
	}
}

func (d *Datagram) Released() bool { return d.released.Load() }

func (d *Datagram) String() string {
	return fmt.Sprintf("Datagram{id=%s code=%d flag=%d body=%dB}", d.Header.ID, d.Header.Code, d.Header.Flag, len(d.Body))
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{MaxMapPairs: 1024}).DecMode(); err != nil {
		panic(err)
	}
}

func Encode(d *Datagram) ([]byte, error) {
	b, err := encMode.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return b, nil
}

func Decode(frame []byte) (*Datagram, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}
	var d Datagram
	if err := decMode.Unmarshal(frame, &d); err != nil {
		return nil, fmt.Errorf("protocol: decode: %w", err)
	}
	return &d, nil
}
