package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/xtrntr/tokenexchange/internal/fixedpoint"
	"github.com/xtrntr/tokenexchange/internal/models"
	"github.com/xtrntr/tokenexchange/internal/txlog"
)

// Listener receives the event of every committed buy or sell. It runs inside
// the exchange's exclusive section and must not block or call back into the
// exchange.
type Listener func(models.Event)

// Journal durably records transitions. It is called inside the exclusive
// section before any state changes, so writes arrive in sequence order and a
// failed write leaves the exchange untouched.
type Journal interface {
	SaveReceipt(ctx context.Context, r models.Receipt) error
	SavePrice(ctx context.Context, price *uint256.Int) error
}

const journalTimeout = 5 * time.Second

// Config holds the construction parameters of an exchange
type Config struct {
	// Address is the exchange's own account; it holds the unsold supply
	Address     models.AccountID
	TotalSupply *uint256.Int
	Price       *uint256.Int
	// Clock stamps transaction records; defaults to time.Now
	Clock func() time.Time
	// Journal, if set, must accept every transition before it is applied
	Journal Journal
}

// Exchange is a fixed-price buy/sell ledger with an append-only transaction
// log. Every mutating call runs as one exclusive section over balances,
// reserve and log, so committed transitions have a single total order that
// matches the log's sequence order.
type Exchange struct {
	mu          sync.RWMutex
	address     models.AccountID
	totalSupply *uint256.Int
	price       *uint256.Int
	reserve     *uint256.Int
	balances    map[models.AccountID]*uint256.Int
	log         *txlog.Log
	listeners   []Listener
	clock       func() time.Time
	journal     Journal
}

// New creates an exchange holding the whole supply at the given price
func New(cfg Config) (*Exchange, error) {
	if cfg.Price == nil || cfg.Price.IsZero() {
		return nil, ErrInvalidPrice
	}
	if cfg.TotalSupply == nil || cfg.TotalSupply.IsZero() {
		return nil, ErrInvalidSupply
	}
	if cfg.Address == (common.Address{}) {
		return nil, ErrInvalidAccount
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	e := &Exchange{
		address:     cfg.Address,
		totalSupply: cfg.TotalSupply.Clone(),
		price:       cfg.Price.Clone(),
		clock:       clock,
		journal:     cfg.Journal,
	}
	e.reset()
	return e, nil
}

// reset puts the whole supply back on the exchange's account with an empty
// reserve and log
func (e *Exchange) reset() {
	e.reserve = new(uint256.Int)
	e.balances = map[models.AccountID]*uint256.Int{
		e.address: e.totalSupply.Clone(),
	}
	e.log = txlog.New()
}

// Subscribe registers a listener for committed events
func (e *Exchange) Subscribe(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Buy exchanges payment (reserve-currency base units) for asset at the
// current price. Any payment remainder below one asset base unit is kept as
// revenue.
func (e *Exchange) Buy(buyer models.AccountID, payment *uint256.Int) (models.Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buy(buyer, payment, e.price, e.timestamp())
}

// Sell returns assetAmount to the exchange and pays out reserve currency at
// the current price.
func (e *Exchange) Sell(seller models.AccountID, assetAmount *uint256.Int) (models.Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sell(seller, assetAmount, e.price, e.timestamp())
}

// buy validates everything before it writes anything, so a failed call
// leaves state and log untouched. Callers hold e.mu.
func (e *Exchange) buy(buyer models.AccountID, payment, price *uint256.Int, ts uint64) (models.Receipt, error) {
	if err := e.checkTrader(buyer); err != nil {
		return models.Receipt{}, err
	}
	if payment == nil || payment.IsZero() {
		return models.Receipt{}, ErrZeroPayment
	}

	amount, err := quoteBuy(payment, price)
	if err != nil {
		return models.Receipt{}, err
	}
	supply := e.balanceOf(e.address)
	if supply.Lt(amount) {
		return models.Receipt{}, ErrInsufficientSupply
	}
	reserve, overflow := new(uint256.Int).AddOverflow(e.reserve, payment)
	if overflow {
		return models.Receipt{}, ErrOverflow
	}
	// cannot overflow: balances never sum above total supply
	balance := new(uint256.Int).Add(e.balanceOf(buyer), amount)

	receipt := e.receipt(buyer, models.Buy, amount, payment, price, balance, ts)
	if err := e.persist(receipt); err != nil {
		return models.Receipt{}, err
	}

	e.balances[e.address] = new(uint256.Int).Sub(supply, amount)
	e.balances[buyer] = balance
	e.reserve = reserve
	e.commit(receipt)
	return receipt, nil
}

// sell mirrors buy. Callers hold e.mu.
func (e *Exchange) sell(seller models.AccountID, amount, price *uint256.Int, ts uint64) (models.Receipt, error) {
	if err := e.checkTrader(seller); err != nil {
		return models.Receipt{}, err
	}
	if amount == nil || amount.IsZero() {
		return models.Receipt{}, ErrZeroAmount
	}

	held := e.balanceOf(seller)
	if held.Lt(amount) {
		return models.Receipt{}, ErrInsufficientBalance
	}
	payout, err := quoteSell(amount, price)
	if err != nil {
		return models.Receipt{}, err
	}
	// reachable when the price was raised after the tokens were bought
	if e.reserve.Lt(payout) {
		return models.Receipt{}, ErrInsufficientReserve
	}
	balance := new(uint256.Int).Sub(held, amount)

	receipt := e.receipt(seller, models.Sell, amount, payout, price, balance, ts)
	if err := e.persist(receipt); err != nil {
		return models.Receipt{}, err
	}

	if balance.IsZero() {
		delete(e.balances, seller)
	} else {
		e.balances[seller] = balance
	}
	e.balances[e.address] = new(uint256.Int).Add(e.balanceOf(e.address), amount)
	e.reserve = new(uint256.Int).Sub(e.reserve, payout)
	e.commit(receipt)
	return receipt, nil
}

// receipt describes the transition that will take the next sequence number.
// The amounts are copies; stored values are never shared.
func (e *Exchange) receipt(user models.AccountID, kind models.TxKind, amount, counter, price, balance *uint256.Int, ts uint64) models.Receipt {
	seq := e.log.Count()
	eventKind := models.Purchased
	if kind == models.Sell {
		eventKind = models.Sold
	}
	return models.Receipt{
		Record: models.TransactionRecord{
			Sequence:    seq,
			User:        user,
			Kind:        kind,
			AssetAmount: amount.Clone(),
			Price:       price.Clone(),
			Timestamp:   ts,
		},
		CounterAmount: counter.Clone(),
		NewBalance:    balance.Clone(),
		Event: models.Event{
			Kind:          eventKind,
			Account:       user,
			AssetAmount:   amount.Clone(),
			CounterAmount: counter.Clone(),
			Sequence:      seq,
		},
	}
}

// persist hands the receipt to the journal. The write is not tied to any
// caller's context: once started it either lands or fails on its own timeout.
func (e *Exchange) persist(r models.Receipt) error {
	if e.journal == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := e.journal.SaveReceipt(ctx, r); err != nil {
		return fmt.Errorf("%w: %w", ErrJournalWrite, err)
	}
	return nil
}

// commit appends the record and notifies listeners. Callers hold e.mu and
// have already applied the balance changes.
func (e *Exchange) commit(r models.Receipt) {
	record := r.Record
	record.AssetAmount = r.Record.AssetAmount.Clone()
	record.Price = r.Record.Price.Clone()
	e.log.Append(record)

	for _, l := range e.listeners {
		ev := r.Event
		ev.AssetAmount = r.Event.AssetAmount.Clone()
		ev.CounterAmount = r.Event.CounterAmount.Clone()
		l(ev)
	}
}

// SetPrice replaces the token price between transitions
func (e *Exchange) SetPrice(price *uint256.Int) error {
	if price == nil || price.IsZero() {
		return ErrInvalidPrice
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		defer cancel()
		if err := e.journal.SavePrice(ctx, price); err != nil {
			return fmt.Errorf("%w: %w", ErrJournalWrite, err)
		}
	}
	e.price = price.Clone()
	return nil
}

// QuoteBuy returns the asset amount Buy would deliver for payment at the
// current price. A zero payment quotes zero.
func (e *Exchange) QuoteBuy(payment *uint256.Int) (*uint256.Int, error) {
	if payment == nil || payment.IsZero() {
		return new(uint256.Int), nil
	}
	e.mu.RLock()
	price := e.price.Clone()
	e.mu.RUnlock()
	return quoteBuy(payment, price)
}

// QuoteSell returns the payout Sell would deliver for assetAmount at the
// current price. It does not check balances or reserve.
func (e *Exchange) QuoteSell(assetAmount *uint256.Int) (*uint256.Int, error) {
	if assetAmount == nil || assetAmount.IsZero() {
		return new(uint256.Int), nil
	}
	e.mu.RLock()
	price := e.price.Clone()
	e.mu.RUnlock()
	return quoteSell(assetAmount, price)
}

// quoteBuy is floor(payment * 10^18 / price)
func quoteBuy(payment, price *uint256.Int) (*uint256.Int, error) {
	amount, overflow := fixedpoint.MulDiv(payment, fixedpoint.One(), price)
	if overflow {
		return nil, ErrOverflow
	}
	return amount, nil
}

// quoteSell is floor(amount * price / 10^18)
func quoteSell(amount, price *uint256.Int) (*uint256.Int, error) {
	payout, overflow := fixedpoint.MulDiv(amount, price, fixedpoint.One())
	if overflow {
		return nil, ErrOverflow
	}
	return payout, nil
}

func (e *Exchange) checkTrader(account models.AccountID) error {
	if account == (common.Address{}) || account == e.address {
		return ErrInvalidAccount
	}
	return nil
}

func (e *Exchange) balanceOf(account models.AccountID) *uint256.Int {
	if b, ok := e.balances[account]; ok {
		return b
	}
	return new(uint256.Int)
}

func (e *Exchange) timestamp() uint64 {
	return uint64(e.clock().Unix())
}

// Address returns the exchange's own account
func (e *Exchange) Address() models.AccountID {
	return e.address
}

// TokenPrice returns the reserve-currency base units paid per whole token
func (e *Exchange) TokenPrice() *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.price.Clone()
}

// ReserveBalance returns the reserve currency held by the exchange
func (e *Exchange) ReserveBalance() *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reserve.Clone()
}

// BalanceOf returns an account's asset balance. For the exchange's own
// address this is the unsold supply.
func (e *Exchange) BalanceOf(account models.AccountID) *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balanceOf(account).Clone()
}

// TotalSupply is fixed at construction
func (e *Exchange) TotalSupply() *uint256.Int {
	return e.totalSupply.Clone()
}

// TransactionCount returns the number of committed buys and sells
func (e *Exchange) TransactionCount() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.log.Count()
}

// Transactions returns up to limit records newest first, skipping the
// offset most recent
func (e *Exchange) Transactions(offset, limit uint64) []models.TransactionRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.log.Range(offset, limit)
}

// Snapshot is a consistent copy of the exchange state
type Snapshot struct {
	Price       *uint256.Int
	Reserve     *uint256.Int
	TotalSupply *uint256.Int
	Unsold      *uint256.Int
	Holders     map[models.AccountID]*uint256.Int
	Count       uint64
}

// Snapshot copies the state under one read lock. Holders excludes the
// exchange's own account, which is reported as Unsold.
func (e *Exchange) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	holders := make(map[models.AccountID]*uint256.Int, len(e.balances))
	for acct, bal := range e.balances {
		if acct == e.address {
			continue
		}
		holders[acct] = bal.Clone()
	}
	return Snapshot{
		Price:       e.price.Clone(),
		Reserve:     e.reserve.Clone(),
		TotalSupply: e.totalSupply.Clone(),
		Unsold:      e.balanceOf(e.address).Clone(),
		Holders:     holders,
		Count:       e.log.Count(),
	}
}

// Restore rebuilds balances, reserve and log by re-applying persisted
// receipts in sequence order, each at its recorded price and timestamp. It
// only runs on an exchange with an empty log and changes nothing on error.
// The current price is left as configured.
func (e *Exchange) Restore(receipts []models.Receipt) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.log.Count() > 0 {
		return ErrAlreadyStarted
	}

	scratch := &Exchange{
		address:     e.address,
		totalSupply: e.totalSupply,
		price:       e.price,
		clock:       e.clock,
	}
	scratch.reset()

	for i, r := range receipts {
		if r.Record.Sequence != uint64(i) {
			return fmt.Errorf("receipt %d has sequence %d: %w", i, r.Record.Sequence, ErrJournalMismatch)
		}
		if r.Record.Price == nil || r.Record.Price.IsZero() {
			return fmt.Errorf("receipt %d: %w", i, ErrInvalidPrice)
		}

		switch r.Record.Kind {
		case models.Buy:
			got, err := scratch.buy(r.Record.User, r.CounterAmount, r.Record.Price, r.Record.Timestamp)
			if err != nil {
				return fmt.Errorf("replay buy %d: %w", i, err)
			}
			if r.Record.AssetAmount == nil || !got.Record.AssetAmount.Eq(r.Record.AssetAmount) {
				return fmt.Errorf("replay buy %d: %w", i, ErrJournalMismatch)
			}
		case models.Sell:
			got, err := scratch.sell(r.Record.User, r.Record.AssetAmount, r.Record.Price, r.Record.Timestamp)
			if err != nil {
				return fmt.Errorf("replay sell %d: %w", i, err)
			}
			if r.CounterAmount == nil || !got.CounterAmount.Eq(r.CounterAmount) {
				return fmt.Errorf("replay sell %d: %w", i, ErrJournalMismatch)
			}
		default:
			return fmt.Errorf("receipt %d has kind %d: %w", i, r.Record.Kind, ErrJournalMismatch)
		}
	}

	e.balances = scratch.balances
	e.reserve = scratch.reserve
	e.log = scratch.log
	return nil
}
