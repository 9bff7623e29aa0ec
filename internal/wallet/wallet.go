// Package wallet is the read-only signer abstraction for the engine.
//
// The engine never signs anything — it only needs to know which EOA the
// trader controls (to resolve the holding address) and a Polygon RPC
// connection for view calls against the Conditional-Tokens contract.
// A wallet can be built from a private key (EOA derived) or from a bare
// address (watch-only).
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"polymarket-portfolio/internal/config"
)

// Wallet identifies the trader's EOA and carries the shared RPC client for
// on-chain reads. The private key is retained only so the type can later be
// extended; nothing in the engine uses it for signing.
type Wallet struct {
	privateKey *ecdsa.PrivateKey // nil for watch-only wallets
	address    common.Address
	chainID    *big.Int
	rpc        *ethclient.Client // nil when no RPC URL configured
}

// New creates a Wallet from config. The RPC connection is dialed lazily by
// go-ethereum; a bad URL surfaces on the first call, not here.
func New(cfg config.WalletConfig) (*Wallet, error) {
	w := &Wallet{chainID: big.NewInt(int64(cfg.ChainID))}

	switch {
	case cfg.PrivateKey != "":
		keyHex := cfg.PrivateKey
		if len(keyHex) >= 2 && keyHex[:2] == "0x" {
			keyHex = keyHex[2:]
		}
		key, err := crypto.HexToECDSA(keyHex)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		w.privateKey = key
		w.address = crypto.PubkeyToAddress(key.PublicKey)
	case cfg.Address != "":
		if !common.IsHexAddress(cfg.Address) {
			return nil, fmt.Errorf("invalid wallet address: %s", cfg.Address)
		}
		w.address = common.HexToAddress(cfg.Address)
	default:
		return nil, fmt.Errorf("wallet requires a private key or an address")
	}

	if cfg.RPCURL != "" {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial rpc: %w", err)
		}
		w.rpc = client
	}

	return w, nil
}

// Address returns the trader's EOA.
func (w *Wallet) Address() common.Address {
	return w.address
}

// ChainID returns the configured chain ID.
func (w *Wallet) ChainID() *big.Int {
	return w.chainID
}

// RPC returns the shared read-only RPC client, or nil when not configured.
func (w *Wallet) RPC() *ethclient.Client {
	return w.rpc
}

// Close releases the RPC connection.
func (w *Wallet) Close() {
	if w.rpc != nil {
		w.rpc.Close()
	}
}
