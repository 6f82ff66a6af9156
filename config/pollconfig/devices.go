package pollconfig

import "time"

type RegisterClass string

const (
	ClassHolding  RegisterClass = "holding"
	ClassInput    RegisterClass = "input"
	ClassCoil     RegisterClass = "coil"
	ClassDiscrete RegisterClass = "discrete"
)

type DataType string

const (
	TypeInt16  DataType = "int16"
	TypeUint16 DataType = "uint16"
	TypeInt32  DataType = "int32"
	TypeUint32 DataType = "uint32"
	TypeFloat  DataType = "float"
	TypeBool   DataType = "bool"
)

// Register is one entry of a device register map.
type Register struct {
	Name    string
	Class   RegisterClass
	Address uint16
	// Length in 16-bit registers; coils/discretes are single points.
	Length uint16
	Type   DataType
	// Scale/Offset apply the linear transform value = raw*Scale + Offset.
	// Scale 0 means not configured.
	Scale  float64
	Offset float64
	Unit   string
}

type Transport string

const (
	TransportTCP    Transport = "tcp"
	TransportSerial Transport = "serial"
)

// Device describes one polled field device.
type Device struct {
	ID        string
	DeviceKey string
	TenantID  string
	Transport Transport
	// Addr is host:port for TCP transport.
	Addr string
	// Serial line parameters, used when Transport is serial.
	SerialPort string
	BaudRate   int
	DataBits   int
	Parity     string
	StopBits   int

	SlaveID        byte
	PollInterval   time.Duration
	RequestTimeout time.Duration
	Registers      []Register
}

// Devices 生产中应该从配置中心下发，这里内置两台演示设备
var Devices = []Device{
	{
		ID:             "plc-boiler-01",
		DeviceKey:      "boiler-01",
		TenantID:       "tenant-demo",
		Transport:      TransportTCP,
		Addr:           "localhost:1502",
		SlaveID:        1,
		PollInterval:   5 * time.Second,
		RequestTimeout: 2 * time.Second,
		Registers: []Register{
			{Name: "temperature", Class: ClassHolding, Address: 0, Length: 1, Type: TypeInt16, Scale: 0.1, Unit: "C"},
			{Name: "pressure", Class: ClassInput, Address: 2, Length: 2, Type: TypeFloat, Unit: "kPa"},
			{Name: "running", Class: ClassCoil, Address: 0, Length: 1, Type: TypeBool},
		},
	},
	{
		ID:             "meter-hall-07",
		DeviceKey:      "meter-07",
		TenantID:       "tenant-demo",
		Transport:      TransportSerial,
		SerialPort:     "/dev/ttyUSB0",
		BaudRate:       9600,
		DataBits:       8,
		Parity:         "N",
		StopBits:       1,
		SlaveID:        7,
		PollInterval:   10 * time.Second,
		RequestTimeout: 1 * time.Second,
		Registers: []Register{
			{Name: "energy", Class: ClassHolding, Address: 10, Length: 2, Type: TypeUint32, Scale: 0.01, Unit: "kWh"},
			{Name: "alarm", Class: ClassDiscrete, Address: 4, Length: 1, Type: TypeBool},
		},
	},
}
