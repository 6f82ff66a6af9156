package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/xuhaidong1/iothub/config/pollconfig"
)

var ErrShortBuffer = errors.New("modbus: short register buffer")

// Decode turns raw big-endian register bytes into a typed value.
// Coils and discrete inputs yield a bool directly; numeric registers are
// decoded per data type and then transformed as value = raw*scale + offset
// when a scale or offset is configured.
func Decode(buf []byte, reg pollconfig.Register) (any, error) {
	if reg.Class == pollconfig.ClassCoil || reg.Class == pollconfig.ClassDiscrete {
		if len(buf) < 1 {
			return nil, ErrShortBuffer
		}
		// goburrow打包成位图，最低位是请求的第一个点
		return buf[0]&0x01 == 0x01, nil
	}

	var raw float64
	switch reg.Type {
	case pollconfig.TypeInt16:
		if len(buf) < 2 {
			return nil, ErrShortBuffer
		}
		raw = float64(int16(binary.BigEndian.Uint16(buf)))
	case pollconfig.TypeUint16:
		if len(buf) < 2 {
			return nil, ErrShortBuffer
		}
		raw = float64(binary.BigEndian.Uint16(buf))
	case pollconfig.TypeInt32:
		if len(buf) < 4 {
			return nil, ErrShortBuffer
		}
		raw = float64(int32(binary.BigEndian.Uint32(buf)))
	case pollconfig.TypeUint32:
		if len(buf) < 4 {
			return nil, ErrShortBuffer
		}
		raw = float64(binary.BigEndian.Uint32(buf))
	case pollconfig.TypeFloat:
		if len(buf) < 4 {
			return nil, ErrShortBuffer
		}
		raw = float64(math.Float32frombits(binary.BigEndian.Uint32(buf)))
	case pollconfig.TypeBool:
		if len(buf) < 2 {
			return nil, ErrShortBuffer
		}
		return binary.BigEndian.Uint16(buf) != 0, nil
	default:
		return nil, fmt.Errorf("modbus: unknown data type %q", reg.Type)
	}

	if reg.Scale != 0 || reg.Offset != 0 {
		scale := reg.Scale
		if scale == 0 {
			scale = 1
		}
		raw = raw*scale + reg.Offset
	}
	return raw, nil
}
