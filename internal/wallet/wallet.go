// Package wallet defines the on-chain collaborators the dispute subsystem
// consumes: wallet readiness, the multisig key store, payout transaction
// signing, broadcast and chain state. Memory is the in-process
// implementation used by the simulator and tests; it signs with secp256k1
// keys but does not build real Bitcoin scripts.
package wallet

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/loop"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrInvalidTransaction = errors.New("wallet: invalid transaction")
	ErrUnknownKey         = errors.New("wallet: multisig key not found")
	ErrBroadcastTimeout   = errors.New("wallet: broadcast timed out")
	ErrBroadcastRejected  = errors.New("wallet: broadcast rejected")
	ErrNotReady           = errors.New("wallet: not ready")
)

// TxError provides context for signing and broadcast failures.
type TxError struct {
	Op   string
	TxID string
	Err  error
}

func (e *TxError) Error() string {
	if e.TxID != "" {
		return fmt.Sprintf("%s failed (tx: %s): %v", e.Op, e.TxID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error {
	return e.Err
}

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// Setup reports whether the wallet is ready for dispute traffic.
type Setup interface {
	IsDownloadComplete() bool
	HasSufficientPeersForBroadcast() bool
	// AddReadyListener is called whenever download state or peer count changes.
	AddReadyListener(fn func())
}

// KeyStore holds the local multisig and arbitrator keys.
type KeyStore interface {
	ArbitratorPubKey() []byte
	// ArbitratorSign signs the Keccak256 digest of data with the key behind
	// ArbitratorPubKey.
	ArbitratorSign(data []byte) ([]byte, error)
	MultiSigKeyPair(tradeID string, pubKey []byte) (KeyPair, error)
}

// TxCommitter records transactions received from peers.
type TxCommitter interface {
	AddNetworkTx(raw []byte) (Tx, error)
	Transaction(id string) (Tx, bool)
}

// TradeWallet signs the disputed payout with the local multisig key.
type TradeWallet interface {
	TraderSignAndFinalizeDisputedPayoutTx(req PayoutRequest) (Tx, error)
}

// Broadcaster publishes a transaction. The callback runs on the logical
// thread exactly once.
type Broadcaster interface {
	BroadcastTx(tx Tx, timeout time.Duration, cb func(Tx, error))
}

// ChainState exposes the DAO facts validation depends on.
type ChainState interface {
	ChainHeight() int
	AllDonationAddresses() []string
}

// PriceFeed returns the trade statistics price for a currency around a
// point in time, in the smallest price unit.
type PriceFeed interface {
	PriceAt(currencyCode string, at time.Time) (int64, bool)
}

// Service bundles everything a dispute node needs from its wallet.
type Service interface {
	Setup
	KeyStore
	TxCommitter
	TradeWallet
	Broadcaster
	ChainState
}

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Tx is an opaque serialized transaction and its id.
type Tx struct {
	ID  string `json:"id"`
	Raw []byte `json:"raw"`
}

// IsZero reports whether the tx is unset.
func (t Tx) IsZero() bool { return t.ID == "" && len(t.Raw) == 0 }

// TxID derives the transaction id from its serialized form.
func TxID(raw []byte) string {
	return hex.EncodeToString(crypto.Keccak256(raw))
}

// KeyPair is a multisig key owned by this wallet.
type KeyPair struct {
	PubKey []byte
	priv   *ecdsa.PrivateKey
}

// PayoutRequest carries the inputs of the disputed payout.
type PayoutRequest struct {
	DepositTxSerialized  []byte
	ArbitratorSignature  []byte
	BuyerPayoutAmount    int64
	SellerPayoutAmount   int64
	BuyerPayoutAddress   string
	SellerPayoutAddress  string
	MultiSigKeyPair      KeyPair
	BuyerMultiSigPubKey  []byte
	SellerMultiSigPubKey []byte
	ArbitratorPubKey     []byte
}

func (r PayoutRequest) validate() error {
	switch {
	case len(r.DepositTxSerialized) == 0:
		return fmt.Errorf("%w: missing deposit tx", ErrInvalidTransaction)
	case r.BuyerPayoutAmount < 0 || r.SellerPayoutAmount < 0:
		return fmt.Errorf("%w: negative payout amount", ErrInvalidTransaction)
	case r.BuyerPayoutAmount+r.SellerPayoutAmount == 0:
		return fmt.Errorf("%w: zero payout", ErrInvalidTransaction)
	case r.BuyerPayoutAmount > 0 && r.BuyerPayoutAddress == "":
		return fmt.Errorf("%w: missing buyer payout address", ErrInvalidTransaction)
	case r.SellerPayoutAmount > 0 && r.SellerPayoutAddress == "":
		return fmt.Errorf("%w: missing seller payout address", ErrInvalidTransaction)
	case len(r.ArbitratorSignature) == 0:
		return fmt.Errorf("%w: missing arbitrator signature", ErrInvalidTransaction)
	case r.MultiSigKeyPair.priv == nil:
		return ErrUnknownKey
	}
	own := r.MultiSigKeyPair.PubKey
	if !bytes.Equal(own, r.BuyerMultiSigPubKey) && !bytes.Equal(own, r.SellerMultiSigPubKey) {
		return fmt.Errorf("%w: multisig key is not part of the deposit", ErrInvalidTransaction)
	}
	return nil
}

// payoutTx is the serialized form Memory produces.
type payoutTx struct {
	DepositTxID         string `json:"depositTxId"`
	BuyerPayoutAmount   int64  `json:"buyerPayoutAmount"`
	SellerPayoutAmount  int64  `json:"sellerPayoutAmount"`
	BuyerPayoutAddress  string `json:"buyerPayoutAddress,omitempty"`
	SellerPayoutAddress string `json:"sellerPayoutAddress,omitempty"`
	ArbitratorSignature []byte `json:"arbitratorSignature"`
	TraderPubKey        []byte `json:"traderPubKey"`
	TraderSignature     []byte `json:"traderSignature"`
}

// -----------------------------------------------------------------------------
// Memory
// -----------------------------------------------------------------------------

// Memory is an in-process wallet. Broadcast callbacks are posted to the
// scheduler it was created with.
type Memory struct {
	mu sync.Mutex

	sched         loop.Scheduler
	arbitratorKey *ecdsa.PrivateKey
	keys          map[string]*ecdsa.PrivateKey
	txs           map[string]Tx
	broadcasts    []Tx

	downloadComplete bool
	peers            int
	minPeers         int
	readyListeners   []func()

	chainHeight       int
	donationAddresses []string
	prices            map[string]int64

	broadcastErr error
	silent       bool
}

// Compile-time interface checks
var (
	_ Service   = (*Memory)(nil)
	_ PriceFeed = (*Memory)(nil)
)

// NewMemory creates a wallet that needs minPeers connections before it
// reports sufficient broadcast peers.
func NewMemory(sched loop.Scheduler, minPeers int) (*Memory, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate arbitrator key: %w", err)
	}
	return &Memory{
		sched:         sched,
		arbitratorKey: key,
		keys:          make(map[string]*ecdsa.PrivateKey),
		txs:           make(map[string]Tx),
		prices:        make(map[string]int64),
		minPeers:      minPeers,
	}, nil
}

// IsDownloadComplete implements Setup.
func (m *Memory) IsDownloadComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloadComplete
}

// HasSufficientPeersForBroadcast implements Setup.
func (m *Memory) HasSufficientPeersForBroadcast() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers >= m.minPeers
}

// AddReadyListener implements Setup.
func (m *Memory) AddReadyListener(fn func()) {
	m.mu.Lock()
	m.readyListeners = append(m.readyListeners, fn)
	m.mu.Unlock()
}

// SetDownloadComplete flips the sync flag and notifies listeners.
func (m *Memory) SetDownloadComplete(v bool) {
	m.mu.Lock()
	m.downloadComplete = v
	m.mu.Unlock()
	m.notifyReady()
}

// SetPeers sets the number of broadcast peers and notifies listeners.
func (m *Memory) SetPeers(n int) {
	m.mu.Lock()
	m.peers = n
	m.mu.Unlock()
	m.notifyReady()
}

func (m *Memory) notifyReady() {
	m.mu.Lock()
	listeners := append([]func(){}, m.readyListeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		m.sched.Execute(fn)
	}
}

// ArbitratorPubKey implements KeyStore.
func (m *Memory) ArbitratorPubKey() []byte {
	return crypto.CompressPubkey(&m.arbitratorKey.PublicKey)
}

// ArbitratorSign implements KeyStore.
func (m *Memory) ArbitratorSign(data []byte) ([]byte, error) {
	sig, err := crypto.Sign(crypto.Keccak256(data), m.arbitratorKey)
	if err != nil {
		return nil, &TxError{Op: "arbitrator sign", Err: err}
	}
	return sig, nil
}

// NewMultiSigKey creates a key for tradeID and returns its public half.
func (m *Memory) NewMultiSigKey(tradeID string) ([]byte, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate multisig key: %w", err)
	}
	pub := crypto.CompressPubkey(&key.PublicKey)
	m.mu.Lock()
	m.keys[keyID(tradeID, pub)] = key
	m.mu.Unlock()
	return pub, nil
}

// MultiSigKeyPair implements KeyStore.
func (m *Memory) MultiSigKeyPair(tradeID string, pubKey []byte) (KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[keyID(tradeID, pubKey)]
	if !ok {
		return KeyPair{}, fmt.Errorf("%w: trade %s", ErrUnknownKey, tradeID)
	}
	return KeyPair{PubKey: crypto.CompressPubkey(&key.PublicKey), priv: key}, nil
}

func keyID(tradeID string, pub []byte) string {
	return tradeID + "/" + hex.EncodeToString(pub)
}

// TraderSignAndFinalizeDisputedPayoutTx implements TradeWallet.
func (m *Memory) TraderSignAndFinalizeDisputedPayoutTx(req PayoutRequest) (Tx, error) {
	if err := req.validate(); err != nil {
		return Tx{}, &TxError{Op: "sign payout", Err: err}
	}
	body := payoutTx{
		DepositTxID:         TxID(req.DepositTxSerialized),
		BuyerPayoutAmount:   req.BuyerPayoutAmount,
		SellerPayoutAmount:  req.SellerPayoutAmount,
		BuyerPayoutAddress:  req.BuyerPayoutAddress,
		SellerPayoutAddress: req.SellerPayoutAddress,
		ArbitratorSignature: req.ArbitratorSignature,
		TraderPubKey:        req.MultiSigKeyPair.PubKey,
	}
	unsigned, err := json.Marshal(body)
	if err != nil {
		return Tx{}, &TxError{Op: "sign payout", Err: err}
	}
	sig, err := crypto.Sign(crypto.Keccak256(unsigned), req.MultiSigKeyPair.priv)
	if err != nil {
		return Tx{}, &TxError{Op: "sign payout", Err: err}
	}
	body.TraderSignature = sig
	raw, err := json.Marshal(body)
	if err != nil {
		return Tx{}, &TxError{Op: "sign payout", Err: err}
	}
	tx := Tx{ID: TxID(raw), Raw: raw}
	m.mu.Lock()
	m.txs[tx.ID] = tx
	m.mu.Unlock()
	return tx, nil
}

// AddNetworkTx implements TxCommitter.
func (m *Memory) AddNetworkTx(raw []byte) (Tx, error) {
	if len(raw) == 0 {
		return Tx{}, &TxError{Op: "commit tx", Err: ErrInvalidTransaction}
	}
	tx := Tx{ID: TxID(raw), Raw: append([]byte(nil), raw...)}
	m.mu.Lock()
	m.txs[tx.ID] = tx
	m.mu.Unlock()
	return tx, nil
}

// Transaction implements TxCommitter.
func (m *Memory) Transaction(id string) (Tx, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	return tx, ok
}

// FailBroadcasts makes later broadcasts fail with err. A nil err restores
// success.
func (m *Memory) FailBroadcasts(err error) {
	m.mu.Lock()
	m.broadcastErr = err
	m.mu.Unlock()
}

// StallBroadcasts makes later broadcasts hang until their timeout.
func (m *Memory) StallBroadcasts(v bool) {
	m.mu.Lock()
	m.silent = v
	m.mu.Unlock()
}

// Broadcasts returns the transactions handed to BroadcastTx.
func (m *Memory) Broadcasts() []Tx {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Tx(nil), m.broadcasts...)
}

// BroadcastTx implements Broadcaster.
func (m *Memory) BroadcastTx(tx Tx, timeout time.Duration, cb func(Tx, error)) {
	m.mu.Lock()
	m.broadcasts = append(m.broadcasts, tx)
	err := m.broadcastErr
	silent := m.silent
	m.mu.Unlock()

	if silent {
		m.sched.After(timeout, func() {
			cb(tx, &TxError{Op: "broadcast", TxID: tx.ID, Err: ErrBroadcastTimeout})
		})
		return
	}
	m.sched.Execute(func() {
		if err != nil {
			cb(tx, &TxError{Op: "broadcast", TxID: tx.ID, Err: err})
			return
		}
		cb(tx, nil)
	})
}

// ChainHeight implements ChainState.
func (m *Memory) ChainHeight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chainHeight
}

// SetChainHeight moves the chain tip. Heights never decrease.
func (m *Memory) SetChainHeight(h int) {
	m.mu.Lock()
	if h > m.chainHeight {
		m.chainHeight = h
	}
	m.mu.Unlock()
}

// AllDonationAddresses implements ChainState.
func (m *Memory) AllDonationAddresses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.donationAddresses...)
}

// SetDonationAddresses replaces the DAO donation address history.
func (m *Memory) SetDonationAddresses(addrs []string) {
	m.mu.Lock()
	m.donationAddresses = append([]string(nil), addrs...)
	m.mu.Unlock()
}

// SetPrice records the trade statistics price for a currency.
func (m *Memory) SetPrice(currencyCode string, price int64) {
	m.mu.Lock()
	m.prices[currencyCode] = price
	m.mu.Unlock()
}

// PriceAt implements PriceFeed. Memory keeps a single price per currency.
func (m *Memory) PriceAt(currencyCode string, _ time.Time) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[currencyCode]
	return p, ok && p > 0
}
