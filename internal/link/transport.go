package link

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"go.bug.st/serial"
)

// Transport is a byte stream to the radio. Close must unblock a pending
// Read.
type Transport = io.ReadWriteCloser

// DefaultTCPPort is the port the radio firmware listens on.
const DefaultTCPPort = 4403

const dialTimeout = 10 * time.Second

// DialSerial opens a serial transport, 8N1 at the given baud rate.
func DialSerial(device string, baud int) (Transport, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("link: open serial %s: %w", device, err)
	}

	// USB CDC ACM: the firmware waits for DTR before it starts talking.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)
	return port, nil
}

// DialTCP opens a TCP transport. A bare host gets the default port.
func DialTCP(addr string) (Transport, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(DefaultTCPPort))
	}
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("link: dial %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
	}
	return conn, nil
}
