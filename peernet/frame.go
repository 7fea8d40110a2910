package peernet

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Round identifies one protocol step. Round 0 is reserved for the hello frame.
type Round uint32

// RoundHello is sent once by the dialing side of every connection.
const RoundHello Round = 0

// Frame is the unit exchanged between peers.
type Frame struct {
	Session string `cbor:"1,keyasint"`
	From    int    `cbor:"2,keyasint"`
	Round   Round  `cbor:"3,keyasint"`
	Value   []byte `cbor:"4,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("peernet: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1024,
		MaxMapPairs:      16,
	}.DecMode()
	if err != nil {
		panic("peernet: CBOR decoder initialization failed: " + err.Error())
	}
}

func newEncoder(w io.Writer) *cbor.Encoder { return encMode.NewEncoder(w) }

func newDecoder(r io.Reader) *cbor.Decoder { return decMode.NewDecoder(r) }

// MarshalFrame encodes f using deterministic CBOR.
func MarshalFrame(f Frame) ([]byte, error) { return encMode.Marshal(f) }

// UnmarshalFrame decodes a single frame.
func UnmarshalFrame(data []byte) (Frame, error) {
	var f Frame
	err := decMode.Unmarshal(data, &f)
	return f, err
}
