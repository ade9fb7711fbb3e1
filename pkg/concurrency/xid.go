package concurrency

import "fmt"

// XID is a 32-bit transaction id. Normal ids wrap around, so they are only ordered relative
// to each other within half the id space.
type XID uint32

const (
	InvalidXID     XID = 0
	BootstrapXID   XID = 1
	FrozenXID      XID = 2
	FirstNormalXID XID = 3
)

// IsValid reports whether x names a transaction.
func (x XID) IsValid() bool { return x != InvalidXID }

// IsNormal reports whether x is an ordinary transaction id.
func (x XID) IsNormal() bool { return x >= FirstNormalXID }

// Precedes reports whether x is logically older than y.
func (x XID) Precedes(y XID) bool {
	if !x.IsNormal() || !y.IsNormal() {
		return x < y
	}
	return int32(x-y) < 0
}

// Next returns the id assigned after x, skipping the special ids on wraparound.
func (x XID) Next() XID {
	x++
	if x < FirstNormalXID {
		x = FirstNormalXID
	}
	return x
}

func (x XID) String() string { return fmt.Sprintf("%d", uint32(x)) }

// XactStatus is the outcome of a transaction as recorded in the commit log.
type XactStatus uint8

const (
	InProgress XactStatus = iota
	Committed
	Aborted
)

func (s XactStatus) String() string {
	switch s {
	case InProgress:
		return "in progress"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("status(%d)", s)
}
