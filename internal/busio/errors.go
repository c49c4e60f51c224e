package busio

import "errors"

// ErrBusClosed names the error of using a bus whose serial handle has
// been closed. ModbusDriver does not return it: after Close its methods
// return whatever error the underlying modbus library reports.
var ErrBusClosed = errors.New("busio: bus closed")
