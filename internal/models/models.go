package models

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AccountID identifies a holder of the exchanged asset
type AccountID = common.Address

// TxKind is the direction of a recorded transition
type TxKind uint8

const (
	Buy  TxKind = 0
	Sell TxKind = 1
)

func (k TxKind) String() string {
	switch k {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// TransactionRecord is one committed buy or sell. Records are never mutated
// once appended to the log.
type TransactionRecord struct {
	Sequence    uint64
	User        AccountID
	Kind        TxKind
	AssetAmount *uint256.Int
	Price       *uint256.Int
	Timestamp   uint64
}

// EventKind names the notification emitted for a committed transition
type EventKind string

const (
	Purchased EventKind = "purchased"
	Sold      EventKind = "sold"
)

// Event is the notification consumed by clients after a buy or sell.
// CounterAmount is the reserve-currency side: the payment for a buy, the
// payout for a sell.
type Event struct {
	Kind          EventKind
	Account       AccountID
	AssetAmount   *uint256.Int
	CounterAmount *uint256.Int
	Sequence      uint64
}

// Receipt is the full outcome of a committed buy or sell
type Receipt struct {
	Record        TransactionRecord
	CounterAmount *uint256.Int
	NewBalance    *uint256.Int
	Event         Event
}
