package busio

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/goburrow/modbus"
)

// serial line parameters for the particle counter's RTU field bus:
// 19200 baud, 8 data bits, even parity, 1 stop bit.
const (
	baudRate = 19200
	dataBits = 8
	parity   = "E"
	stopBits = 1

	responseTimeout = 1 * time.Second
)

// Driver performs the blocking, transport-level register transaction and
// returns decoded 16-bit words. BusManager owns exactly one Driver per
// configured serial line and only ever calls it from its single worker
// goroutine, so Driver implementations need not be safe for concurrent
// use.
type Driver interface {
	ReadHolding(unit byte, startReg, count uint16) ([]uint16, error)
	ReadInput(unit byte, startReg, count uint16) ([]uint16, error)
	WriteSingle(unit byte, reg, value uint16) error
	Close() error
}

// ModbusDriver implements Driver over github.com/goburrow/modbus's RTU
// client handler, which provides the transport framing and CRC.
type ModbusDriver struct {
	handler *modbus.RTUClientHandler
	client  modbus.Client
}

// NewModbusDriver opens the serial device at devicePath (e.g.
// "/dev/ttyUSB0") and returns a Driver wrapping it.
func NewModbusDriver(devicePath string) (*ModbusDriver, error) {
	handler := modbus.NewRTUClientHandler(devicePath)
	handler.BaudRate = baudRate
	handler.DataBits = dataBits
	handler.Parity = parity
	handler.StopBits = stopBits
	handler.Timeout = responseTimeout

	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("opening %s: %w", devicePath, err)
	}

	return &ModbusDriver{
		handler: handler,
		client:  modbus.NewClient(handler),
	}, nil
}

func (d *ModbusDriver) ReadHolding(unit byte, startReg, count uint16) ([]uint16, error) {
	d.handler.SlaveId = unit
	raw, err := d.client.ReadHoldingRegisters(startReg, count)
	if err != nil {
		return nil, err
	}
	return bytesToWords(raw), nil
}

func (d *ModbusDriver) ReadInput(unit byte, startReg, count uint16) ([]uint16, error) {
	d.handler.SlaveId = unit
	raw, err := d.client.ReadInputRegisters(startReg, count)
	if err != nil {
		return nil, err
	}
	return bytesToWords(raw), nil
}

func (d *ModbusDriver) WriteSingle(unit byte, reg, value uint16) error {
	d.handler.SlaveId = unit
	_, err := d.client.WriteSingleRegister(reg, value)
	return err
}

func (d *ModbusDriver) Close() error {
	return d.handler.Close()
}

// bytesToWords unpacks goburrow/modbus's big-endian byte response into
// 16-bit register words.
func bytesToWords(raw []byte) []uint16 {
	words := make([]uint16, len(raw)/2)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(raw[i*2 : i*2+2])
	}
	return words
}
