package core

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/flashbots/mev-producer/core/state"
	"github.com/holiman/uint256"
)

// OpRevert is the first byte of account code that makes every call to the
// account fail.
const OpRevert = 0xfd

// Executor applies one transaction on top of statedb. On error the state, the
// gas pool and usedGas are left untouched. A reverted transaction is not an
// error: it yields a receipt with a failed status.
type Executor interface {
	ApplyTransaction(statedb *state.Overlay, header *types.Header, tx *types.Transaction, gp *GasPool, usedGas *uint64) (*types.Receipt, error)
}

// TransferExecutor executes value transfers and contract deployments. Calls
// to accounts whose code starts with OpRevert revert, every other call is a
// plain transfer. Fees follow EIP-1559: the base fee is burned and the
// effective tip is credited to the header coinbase.
type TransferExecutor struct {
	signer types.Signer
}

func NewTransferExecutor(config *params.ChainConfig) *TransferExecutor {
	return &TransferExecutor{signer: types.LatestSignerForChainID(config.ChainID)}
}

// IntrinsicGas computes the gas charged before any execution.
func IntrinsicGas(data []byte, accessList types.AccessList, isContractCreation bool) (uint64, error) {
	gas := params.TxGas
	if isContractCreation {
		gas = params.TxGasContractCreation
	}
	var nz uint64
	for _, b := range data {
		if b != 0 {
			nz++
		}
	}
	z := uint64(len(data)) - nz
	if nz > 0 {
		if (^uint64(0)-gas)/params.TxDataNonZeroGasEIP2028 < nz {
			return 0, ErrGasUintOverflow
		}
		gas += nz * params.TxDataNonZeroGasEIP2028
	}
	if z > 0 {
		if (^uint64(0)-gas)/params.TxDataZeroGas < z {
			return 0, ErrGasUintOverflow
		}
		gas += z * params.TxDataZeroGas
	}
	if accessList != nil {
		addresses := uint64(len(accessList))
		keys := uint64(accessList.StorageKeys())
		if (^uint64(0)-gas)/params.TxAccessListAddressGas < addresses {
			return 0, ErrGasUintOverflow
		}
		gas += addresses * params.TxAccessListAddressGas
		if (^uint64(0)-gas)/params.TxAccessListStorageKeyGas < keys {
			return 0, ErrGasUintOverflow
		}
		gas += keys * params.TxAccessListStorageKeyGas
	}
	return gas, nil
}

func (e *TransferExecutor) ApplyTransaction(statedb *state.Overlay, header *types.Header, tx *types.Transaction, gp *GasPool, usedGas *uint64) (*types.Receipt, error) {
	switch tx.Type() {
	case types.LegacyTxType, types.AccessListTxType, types.DynamicFeeTxType:
	default:
		return nil, fmt.Errorf("%w: type %d", ErrTxTypeNotSupported, tx.Type())
	}

	from, err := types.Sender(e.signer, tx)
	if err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}

	stNonce := statedb.GetNonce(from)
	if msgNonce := tx.Nonce(); stNonce < msgNonce {
		return nil, fmt.Errorf("%w: address %v, tx: %d state: %d", ErrNonceTooHigh, from.Hex(), msgNonce, stNonce)
	} else if stNonce > msgNonce {
		return nil, fmt.Errorf("%w: address %v, tx: %d state: %d", ErrNonceTooLow, from.Hex(), msgNonce, stNonce)
	}

	if tx.Value().Sign() < 0 {
		return nil, ErrNegativeValue
	}

	if tx.GasFeeCap().BitLen() > 256 || tx.GasTipCap().BitLen() > 256 {
		return nil, fmt.Errorf("%w: fee fields above 256 bits", ErrInsufficientFunds)
	}
	if tx.GasFeeCapIntCmp(tx.GasTipCap()) < 0 {
		return nil, fmt.Errorf("%w: address %v, maxPriorityFeePerGas: %s, maxFeePerGas: %s", ErrTipAboveFeeCap,
			from.Hex(), tx.GasTipCap(), tx.GasFeeCap())
	}

	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	if tx.GasFeeCapIntCmp(baseFee) < 0 {
		return nil, fmt.Errorf("%w: address %v, maxFeePerGas: %s, baseFee: %s", ErrFeeCapTooLow,
			from.Hex(), tx.GasFeeCap(), baseFee)
	}

	isCreate := tx.To() == nil
	gasUsed, err := IntrinsicGas(tx.Data(), tx.AccessList(), isCreate)
	if err != nil {
		return nil, err
	}
	if tx.Gas() < gasUsed {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrIntrinsicGas, tx.Gas(), gasUsed)
	}

	tip, err := tx.EffectiveGasTip(baseFee)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeeCapTooLow, err)
	}
	price := new(big.Int).Add(baseFee, tip)

	// the sender must afford the full fee cap, as on mainnet
	balanceCheck := new(big.Int).Mul(new(big.Int).SetUint64(tx.Gas()), tx.GasFeeCap())
	balanceCheck.Add(balanceCheck, tx.Value())
	if have := statedb.GetBalance(from).ToBig(); have.Cmp(balanceCheck) < 0 {
		return nil, fmt.Errorf("%w: address %v have %v want %v", ErrInsufficientFunds, from.Hex(), have, balanceCheck)
	}

	if err := gp.SubGas(tx.Gas()); err != nil {
		return nil, err
	}

	var (
		status          = types.ReceiptStatusSuccessful
		value           = uint256.MustFromBig(tx.Value())
		contractAddress common.Address
	)
	statedb.SetNonce(from, stNonce+1)

	switch {
	case isCreate:
		contractAddress = crypto.CreateAddress(from, stNonce)
		statedb.SubBalance(from, value)
		statedb.AddBalance(contractAddress, value)
		statedb.SetCode(contractAddress, tx.Data())
	case reverts(statedb.GetCode(*tx.To())):
		status = types.ReceiptStatusFailed
	default:
		statedb.SubBalance(from, value)
		statedb.AddBalance(*tx.To(), value)
	}

	gasUsedBig := new(big.Int).SetUint64(gasUsed)
	statedb.SubBalance(from, uint256.MustFromBig(new(big.Int).Mul(gasUsedBig, price)))
	statedb.AddBalance(header.Coinbase, uint256.MustFromBig(new(big.Int).Mul(gasUsedBig, tip)))

	gp.AddGas(tx.Gas() - gasUsed)
	*usedGas += gasUsed

	receipt := &types.Receipt{
		Type:              tx.Type(),
		Status:            status,
		CumulativeGasUsed: *usedGas,
		TxHash:            tx.Hash(),
		GasUsed:           gasUsed,
		EffectiveGasPrice: price,
		Logs:              []*types.Log{},
	}
	if isCreate {
		receipt.ContractAddress = contractAddress
	}
	if header.Number != nil {
		receipt.BlockNumber = new(big.Int).Set(header.Number)
	}
	receipt.Bloom = types.CreateBloom(types.Receipts{receipt})
	return receipt, nil
}

func reverts(code []byte) bool {
	return len(code) > 0 && code[0] == OpRevert
}
