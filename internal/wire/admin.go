package wire

// Admin port payload (app -> device). The device answers on the same port
// with Data.RequestID echoing the request packet id; the response body is
// op-specific and passed through opaquely.

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// AdminOp selects the administrative action an AdminCommand requests.
type AdminOp uint32

const (
	AdminOpNone             AdminOp = 0
	AdminOpMetadataRefresh  AdminOp = 1
	AdminOpShutdown         AdminOp = 2
	AdminOpReboot           AdminOp = 3
	AdminOpPositionExchange AdminOp = 4
	AdminOpTraceRoute       AdminOp = 5
	AdminOpHistoryFetch     AdminOp = 6
)

func (op AdminOp) String() string {
	switch op {
	case AdminOpMetadataRefresh:
		return "metadata refresh"
	case AdminOpShutdown:
		return "shutdown"
	case AdminOpReboot:
		return "reboot"
	case AdminOpPositionExchange:
		return "position exchange"
	case AdminOpTraceRoute:
		return "traceroute"
	case AdminOpHistoryFetch:
		return "history fetch"
	default:
		return fmt.Sprintf("op %d", uint32(op))
	}
}

// AdminCommand field numbers.
const (
	adminFieldOp             protowire.Number = 1
	adminFieldDelaySeconds   protowire.Number = 2
	adminFieldHistoryMinutes protowire.Number = 3
)

// AdminCommand is one administrative request. DelaySeconds applies to
// shutdown and reboot; HistoryMinutes to history fetch.
type AdminCommand struct {
	Op             AdminOp
	DelaySeconds   uint32
	HistoryMinutes uint32
}

// Encode serializes the command body (no outer tag).
func (c *AdminCommand) Encode() []byte {
	var b []byte
	if c.Op != AdminOpNone {
		b = protowire.AppendTag(b, adminFieldOp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Op))
	}
	if c.DelaySeconds != 0 {
		b = protowire.AppendTag(b, adminFieldDelaySeconds, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.DelaySeconds))
	}
	if c.HistoryMinutes != 0 {
		b = protowire.AppendTag(b, adminFieldHistoryMinutes, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.HistoryMinutes))
	}
	return b
}

// DecodeAdminCommand parses a command body.
func DecodeAdminCommand(b []byte) (*AdminCommand, error) {
	c := &AdminCommand{}
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, fmt.Errorf("admin: tag: %w", consumeErr(tagLen))
		}
		switch {
		case num == adminFieldOp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("admin: op: %w", consumeErr(n))
			}
			c.Op = AdminOp(v)
			b = b[tagLen+n:]
		case num == adminFieldDelaySeconds && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("admin: delay: %w", consumeErr(n))
			}
			c.DelaySeconds = uint32(v)
			b = b[tagLen+n:]
		case num == adminFieldHistoryMinutes && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b[tagLen:])
			if n < 0 {
				return nil, fmt.Errorf("admin: history minutes: %w", consumeErr(n))
			}
			c.HistoryMinutes = uint32(v)
			b = b[tagLen+n:]
		default:
			rest, err := skipField(b, num, typ, tagLen)
			if err != nil {
				return nil, fmt.Errorf("admin: field %d: %w", num, err)
			}
			b = rest
		}
	}
	return c, nil
}
