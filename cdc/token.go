package cdc

import (
	"bytes"
	"fmt"
	"time"
)

// TokenKind discriminates the resume position representations.
type TokenKind uint8

const (
	// TokenNone means no usable position; resume from the present.
	TokenNone TokenKind = iota
	// TokenNative is a source-assigned cursor token (exact).
	TokenNative
	// TokenTimestamp is a wall-clock fallback position (safe superset,
	// may replay a few already-seen events).
	TokenTimestamp
)

func (k TokenKind) String() string {
	switch k {
	case TokenNative:
		return "native"
	case TokenTimestamp:
		return "timestamp"
	default:
		return "none"
	}
}

// PositionToken marks how far the consumer has progressed through the
// source change feed. It is produced by the source, persisted by the
// checkpoint store and consumed by the position resolver and the
// stream consumer. The zero value is TokenNone.
type PositionToken struct {
	Kind      TokenKind
	Native    []byte
	Timestamp time.Time
}

// NativeToken wraps an opaque source cursor.
func NativeToken(raw []byte) PositionToken {
	return PositionToken{Kind: TokenNative, Native: raw}
}

// TimestampToken wraps a wall-clock fallback position.
func TimestampToken(t time.Time) PositionToken {
	return PositionToken{Kind: TokenTimestamp, Timestamp: t}
}

// NoToken means resume from the present moment.
func NoToken() PositionToken {
	return PositionToken{Kind: TokenNone}
}

// IsZero reports whether the token carries no position.
func (t PositionToken) IsZero() bool {
	return t.Kind == TokenNone
}

// Equal compares two tokens for identity, not ordering. Native tokens
// are opaque and only comparable byte-wise.
func (t PositionToken) Equal(o PositionToken) bool {
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case TokenNative:
		return bytes.Equal(t.Native, o.Native)
	case TokenTimestamp:
		return t.Timestamp.Equal(o.Timestamp)
	default:
		return true
	}
}

func (t PositionToken) String() string {
	switch t.Kind {
	case TokenNative:
		return fmt.Sprintf("native(%d bytes)", len(t.Native))
	case TokenTimestamp:
		return fmt.Sprintf("timestamp(%s)", t.Timestamp.UTC().Format(time.RFC3339))
	default:
		return "none"
	}
}
