package flashbotsextra

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/mev-producer/core"
	"github.com/flashbots/mev-producer/miner"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	errBundleMissingTxs         = errors.New("bundle missing txs")
	errBundleMissingBlockNumber = errors.New("bundle missing blockNumber")
)

type BuiltBlock struct {
	BlockId           uint64    `db:"block_id" json:"-"`
	CycleId           uuid.UUID `db:"cycle_id" json:"cycleId"`
	BlockNumber       uint64    `db:"block_number" json:"blockNumber"`
	Profit            string    `db:"profit" json:"profit"`
	Hash              string    `db:"hash" json:"hash"`
	GasLimit          uint64    `db:"gas_limit" json:"gasLimit"`
	GasUsed           uint64    `db:"gas_used" json:"gasUsed"`
	BaseFee           uint64    `db:"base_fee" json:"baseFee"`
	ParentHash        string    `db:"parent_hash" json:"parentHash"`
	BundleCount       int       `db:"bundle_count" json:"bundleCount"`
	PoolBundles       int       `db:"pool_bundles" json:"poolBundles"`
	Emitted           bool      `db:"emitted" json:"emitted"`
	Timestamp         uint64    `db:"timestamp" json:"timestamp"`
	TimestampDatetime time.Time `db:"timestamp_datetime" json:"-"`
	CycleStartedAt    time.Time `db:"cycle_started_at" json:"cycleStartedAt"`
	SealedAt          time.Time `db:"sealed_at" json:"sealedAt"`
}

// DbCandidate is the outcome of one candidate build of a cycle.
type DbCandidate struct {
	BlockId     uint64  `db:"block_id" json:"-"`
	MergeCount  int     `db:"merge_count" json:"mergeCount"`
	BundleCount int     `db:"bundle_count" json:"bundleCount"`
	Balance     *string `db:"balance" json:"balance,omitempty"`
	BlockHash   *string `db:"block_hash" json:"blockHash,omitempty"`
	DurationMs  int64   `db:"duration_ms" json:"durationMs"`
	Error       *string `db:"error" json:"error,omitempty"`
}

type DbBundle struct {
	DbId       uint64    `db:"id"`
	BundleHash string    `db:"bundle_hash"`
	BundleUUID uuid.UUID `db:"bundle_uuid"`

	ParamSignedTxs         string    `db:"param_signed_txs"`
	ParamBlockNumber       uint64    `db:"param_block_number"`
	ParamTimestamp         *uint64   `db:"param_timestamp"`
	ParamMaxTimestamp      *uint64   `db:"param_max_timestamp"`
	ReceivedTimestamp      time.Time `db:"received_timestamp"`
	ParamRevertingTxHashes *string   `db:"param_reverting_tx_hashes"`

	CoinbaseDiff      string `db:"coinbase_diff"`
	TotalGasUsed      uint64 `db:"total_gas_used"`
	StateBlockNumber  uint64 `db:"state_block_number"`
	GasFees           string `db:"gas_fees"`
	EthSentToCoinbase string `db:"eth_sent_to_coinbase"`
}

type blockAndBundleId struct {
	BlockId  uint64 `db:"block_id"`
	BundleId uint64 `db:"bundle_id"`
}

// CycleRecord is the persisted view of a production cycle with a winner.
type CycleRecord struct {
	Block      BuiltBlock             `json:"block"`
	Bundles    []core.SimulatedBundle `json:"-"`
	BundleIds  []string               `json:"bundles"`
	Candidates []DbCandidate          `json:"candidates"`
}

func weiToEth(wei *big.Int) string {
	if wei == nil {
		wei = new(big.Int)
	}
	return new(big.Rat).SetFrac(wei, big.NewInt(1e18)).FloatString(18)
}

func stringPtr(s string) *string { return &s }

// NewCycleRecord converts a cycle summary. It returns nil for cycles that
// ended without a winner.
func NewCycleRecord(summary *miner.CycleSummary) *CycleRecord {
	winner := summary.Winner
	if winner == nil {
		return nil
	}
	block := winner.Block
	var baseFee uint64
	if block.BaseFee() != nil {
		baseFee = block.BaseFee().Uint64()
	}

	record := &CycleRecord{
		Block: BuiltBlock{
			CycleId:        summary.ID,
			BlockNumber:    block.NumberU64(),
			Profit:         weiToEth(winner.Profit),
			Hash:           block.Hash().String(),
			GasLimit:       block.GasLimit(),
			GasUsed:        block.GasUsed(),
			BaseFee:        baseFee,
			ParentHash:     block.ParentHash().String(),
			BundleCount:    winner.BundleCount,
			PoolBundles:    summary.Bundles,
			Emitted:        summary.Emitted,
			Timestamp:      block.Time(),
			CycleStartedAt: summary.Start.UTC(),
			SealedAt:       summary.Start.Add(summary.Duration).UTC(),
		},
		Bundles:    winner.Bundles,
		BundleIds:  make([]string, 0, len(winner.Bundles)),
		Candidates: make([]DbCandidate, 0, len(summary.Candidates)),
	}
	for _, b := range winner.Bundles {
		record.BundleIds = append(record.BundleIds, b.OriginalBundle.Hash.String())
	}
	for _, c := range summary.Candidates {
		candidate := DbCandidate{
			MergeCount:  c.MergeCount,
			BundleCount: c.BundleCount,
			DurationMs:  c.Duration.Milliseconds(),
		}
		if c.Err != nil {
			candidate.Error = stringPtr(c.Err.Error())
		} else {
			candidate.Balance = stringPtr(balanceToEth(c.Balance))
			candidate.BlockHash = stringPtr(c.BlockHash.String())
		}
		record.Candidates = append(record.Candidates, candidate)
	}
	return record
}

func balanceToEth(balance *uint256.Int) string {
	if balance == nil {
		return weiToEth(nil)
	}
	return weiToEth(balance.ToBig())
}

// SimulatedBundleToDbBundle flattens a bundle and its simulation outcome.
// stateBlockNumber is the block the simulation ran on top of.
func SimulatedBundleToDbBundle(bundle *core.SimulatedBundle, stateBlockNumber uint64) (DbBundle, error) {
	signedTxsStrings := make([]string, 0, len(bundle.OriginalBundle.Txs))
	for _, tx := range bundle.OriginalBundle.Txs {
		data, err := tx.MarshalBinary()
		if err != nil {
			return DbBundle{}, fmt.Errorf("tx %s: %w", tx.Hash(), err)
		}
		signedTxsStrings = append(signedTxsStrings, hexutil.Encode(data))
	}

	var revertingTxHashes *string
	if len(bundle.OriginalBundle.RevertingTxHashes) > 0 {
		hashes := make([]string, len(bundle.OriginalBundle.RevertingTxHashes))
		for i, h := range bundle.OriginalBundle.RevertingTxHashes {
			hashes[i] = h.String()
		}
		revertingTxHashes = stringPtr(strings.Join(hashes, ","))
	}

	var minTimestamp, maxTimestamp *uint64
	if ts := bundle.OriginalBundle.MinTimestamp; ts != 0 {
		minTimestamp = &ts
	}
	if ts := bundle.OriginalBundle.MaxTimestamp; ts != 0 {
		maxTimestamp = &ts
	}

	return DbBundle{
		BundleHash: bundle.OriginalBundle.Hash.String(),
		BundleUUID: bundle.OriginalBundle.ComputeUUID(),

		ParamSignedTxs:         strings.Join(signedTxsStrings, ","),
		ParamBlockNumber:       bundle.OriginalBundle.BlockNumber,
		ParamTimestamp:         minTimestamp,
		ParamMaxTimestamp:      maxTimestamp,
		ReceivedTimestamp:      time.Now().UTC(),
		ParamRevertingTxHashes: revertingTxHashes,

		CoinbaseDiff:      weiToEth(bundle.Score),
		TotalGasUsed:      bundle.TotalGasUsed,
		StateBlockNumber:  stateBlockNumber,
		GasFees:           weiToEth(bundle.GasFees),
		EthSentToCoinbase: weiToEth(bundle.EthSentToCoinbase),
	}, nil
}

// DbBundleToMevBundle decodes a stored bundle. A single undecodable
// transaction fails the whole bundle.
func DbBundleToMevBundle(arg DbBundle) (core.MevBundle, error) {
	if arg.ParamSignedTxs == "" {
		return core.MevBundle{}, errBundleMissingTxs
	}
	if arg.ParamBlockNumber == 0 {
		return core.MevBundle{}, errBundleMissingBlockNumber
	}

	signedTxsStr := strings.Split(arg.ParamSignedTxs, ",")
	txs := make(types.Transactions, 0, len(signedTxsStr))
	for _, txStr := range signedTxsStr {
		decodedTx, err := hexutil.Decode(txStr)
		if err != nil {
			return core.MevBundle{}, fmt.Errorf("could not decode bundle tx: %w", err)
		}
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(decodedTx); err != nil {
			return core.MevBundle{}, fmt.Errorf("could not unmarshal bundle tx: %w", err)
		}
		txs = append(txs, tx)
	}

	var revertingTxHashes []common.Hash
	if arg.ParamRevertingTxHashes != nil && *arg.ParamRevertingTxHashes != "" {
		for _, rTxHashStr := range strings.Split(*arg.ParamRevertingTxHashes, ",") {
			revertingTxHashes = append(revertingTxHashes, common.HexToHash(rTxHashStr))
		}
	}

	var minTimestamp, maxTimestamp uint64
	if arg.ParamTimestamp != nil {
		minTimestamp = *arg.ParamTimestamp
	}
	if arg.ParamMaxTimestamp != nil {
		maxTimestamp = *arg.ParamMaxTimestamp
	}
	return core.NewMevBundle(txs, arg.ParamBlockNumber, minTimestamp, maxTimestamp, revertingTxHashes), nil
}
