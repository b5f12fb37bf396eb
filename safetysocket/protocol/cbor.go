package protocol

import "github.com/fxamacker/cbor/v2"

// encMode uses Core Deterministic Encoding so identical messages always
// produce identical bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields for forward compatibility. Control messages
// are flat maps of scalars and byte strings, so nesting and container sizes
// are held to the decoder's minimums; byte string length is already bounded
// by MaxFramePayload in ReadFrame.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  4,
		MaxArrayElements: 16,
		MaxMapPairs:      16,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

func marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

func unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }
