package logger

import "log/slog"

// Standard field keys, kept small and specific to the OOB/data-plane
// domain rather than copying a general-purpose filesystem field set.
const (
	KeyTraceID  = "trace_id"
	KeySpanID   = "span_id"
	KeyTarget   = "target"
	KeyPoolDesc = "pool_desc"
	KeyLane     = "lane"
	KeyMsgType  = "msg_type"
	KeyStatus   = "status"
	KeyErrno    = "errno"
	KeyBytes    = "bytes"
	KeyOffset   = "offset"
	KeyMode     = "persist_mode"
	KeyError    = "error"
	KeyDuration = "duration_ms"
)

// Err returns a slog.Attr for an error, or an empty attr for nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Lane returns a slog.Attr for a lane index.
func Lane(n int) slog.Attr { return slog.Int(KeyLane, n) }

// PoolDesc returns a slog.Attr for a pool-set descriptor string.
func PoolDesc(desc string) slog.Attr { return slog.String(KeyPoolDesc, desc) }

// MsgType returns a slog.Attr for an on-wire message type.
func MsgType(t uint32) slog.Attr { return slog.Uint64(KeyMsgType, uint64(t)) }

// Status returns a slog.Attr for an on-wire status code.
func Status(s uint32) slog.Attr { return slog.Uint64(KeyStatus, uint64(s)) }

// Bytes returns a slog.Attr for a byte count.
func Bytes(n int) slog.Attr { return slog.Int(KeyBytes, n) }

// Offset returns a slog.Attr for a byte offset.
func Offset(off uint64) slog.Attr { return slog.Uint64(KeyOffset, off) }
