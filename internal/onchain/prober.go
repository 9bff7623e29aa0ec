// Package onchain probes the Conditional-Tokens Framework contract for
// settlement status. A market is redeemable on-chain exactly when
// payoutDenominator(conditionId) > 0 — the oracle has reported and payout
// vectors exist. This is the strongest redeemability proof the engine has:
// it can confirm settlement that the Data-API and Gamma have not surfaced
// yet, and it can veto a false redeemable flag.
package onchain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"polymarket-portfolio/internal/cache"
)

// payoutDenominator is the only CTF view the engine needs.
const ctfABI = `[{"constant":true,"inputs":[{"name":"","type":"bytes32"}],"name":"payoutDenominator","outputs":[{"name":"","type":"uint256"}],"payable":false,"stateMutability":"view","type":"function"}]`

const (
	probeTTL      = 5 * time.Minute
	probeCacheCap = 1000
)

type probeResult struct {
	redeemable bool
	checkedAt  time.Time
}

// Prober answers "is this condition settled on-chain?" with a short TTL
// cache in front of the RPC. A nil Prober (RPC not configured) is valid:
// Enabled reports false and probes return not-redeemable without error.
type Prober struct {
	rpc      *ethclient.Client
	contract common.Address
	abi      abi.ABI
	cache    *cache.FIFO[probeResult]
	logger   *slog.Logger

	now func() time.Time // test hook
}

// New creates a prober bound to the CTF contract at ctfAddress. Returns nil
// when rpc is nil, which disables on-chain probing engine-wide.
func New(rpc *ethclient.Client, ctfAddress string, logger *slog.Logger) (*Prober, error) {
	if rpc == nil {
		return nil, nil
	}
	if !common.IsHexAddress(ctfAddress) {
		return nil, fmt.Errorf("invalid ctf contract address: %s", ctfAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(ctfABI))
	if err != nil {
		return nil, fmt.Errorf("parse ctf abi: %w", err)
	}
	return &Prober{
		rpc:      rpc,
		contract: common.HexToAddress(ctfAddress),
		abi:      parsed,
		cache:    cache.NewFIFO[probeResult](probeCacheCap),
		logger:   logger.With("component", "onchain"),
		now:      time.Now,
	}, nil
}

// Enabled reports whether on-chain probing is available.
func (p *Prober) Enabled() bool {
	return p != nil
}

// IsRedeemable reports whether the condition has settled on-chain. Results
// are cached for probeTTL; a settled condition never un-settles, so positive
// cached answers are always safe to reuse.
func (p *Prober) IsRedeemable(ctx context.Context, conditionID string) (bool, error) {
	if p == nil {
		return false, nil
	}

	if r, ok := p.cache.Get(conditionID); ok {
		if r.redeemable || p.now().Sub(r.checkedAt) < probeTTL {
			return r.redeemable, nil
		}
	}

	redeemable, err := p.probe(ctx, conditionID)
	if err != nil {
		return false, err
	}

	p.cache.Set(conditionID, probeResult{redeemable: redeemable, checkedAt: p.now()})
	return redeemable, nil
}

func (p *Prober) probe(ctx context.Context, conditionID string) (bool, error) {
	data, err := p.abi.Pack("payoutDenominator", common.HexToHash(conditionID))
	if err != nil {
		return false, fmt.Errorf("pack payoutDenominator: %w", err)
	}

	raw, err := p.rpc.CallContract(ctx, ethereum.CallMsg{
		To:   &p.contract,
		Data: data,
	}, nil)
	if err != nil {
		return false, fmt.Errorf("call payoutDenominator: %w", err)
	}

	out, err := p.abi.Unpack("payoutDenominator", raw)
	if err != nil {
		return false, fmt.Errorf("unpack payoutDenominator: %w", err)
	}
	denom, ok := out[0].(*big.Int)
	if !ok {
		return false, fmt.Errorf("unexpected payoutDenominator type %T", out[0])
	}

	redeemable := denom.Sign() > 0
	p.logger.Debug("probed condition",
		"condition_id", conditionID,
		"denominator", denom.String(),
		"redeemable", redeemable,
	)
	return redeemable, nil
}
