package flashbotsextra

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/flashbots/mev-producer/core"
	"github.com/flashbots/mev-producer/miner"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const (
	highPrioLimitSize = 500
	lowPrioLimitSize  = 100

	bundleIdsBatchSize  = 500
	consumeCycleTimeout = 12 * time.Second
)

//go:embed schema.sql
var schema string

type IDatabaseService interface {
	ConsumeCycle(summary *miner.CycleSummary)
	GetPriorityBundles(ctx context.Context, blockNum uint64, isHighPrio bool) ([]DbBundle, error)
}

type NilDbService struct{}

func (NilDbService) ConsumeCycle(*miner.CycleSummary) {}

func (NilDbService) GetPriorityBundles(ctx context.Context, blockNum uint64, isHighPrio bool) ([]DbBundle, error) {
	return []DbBundle{}, nil
}

type DatabaseService struct {
	db *sqlx.DB

	insertBuiltBlockStmt    *sqlx.NamedStmt
	insertMissingBundleStmt *sqlx.NamedStmt
	fetchPrioBundlesStmt    *sqlx.NamedStmt
}

func NewDatabaseService(postgresDSN string) (*DatabaseService, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}

	insertBuiltBlockStmt, err := db.PrepareNamed("insert into built_blocks (cycle_id, block_number, profit, hash, gas_limit, gas_used, base_fee, parent_hash, bundle_count, pool_bundles, emitted, timestamp, timestamp_datetime, cycle_started_at, sealed_at) values (:cycle_id, :block_number, :profit, :hash, :gas_limit, :gas_used, :base_fee, :parent_hash, :bundle_count, :pool_bundles, :emitted, :timestamp, to_timestamp(:timestamp), :cycle_started_at, :sealed_at) returning block_id")
	if err != nil {
		return nil, err
	}

	insertMissingBundleStmt, err := db.PrepareNamed("insert into bundles (bundle_hash, bundle_uuid, param_signed_txs, param_block_number, param_timestamp, param_max_timestamp, received_timestamp, param_reverting_tx_hashes, coinbase_diff, total_gas_used, state_block_number, gas_fees, eth_sent_to_coinbase) values (:bundle_hash, :bundle_uuid, :param_signed_txs, :param_block_number, :param_timestamp, :param_max_timestamp, :received_timestamp, :param_reverting_tx_hashes, :coinbase_diff, :total_gas_used, :state_block_number, :gas_fees, :eth_sent_to_coinbase) on conflict (bundle_hash, param_block_number) do nothing returning id")
	if err != nil {
		return nil, err
	}

	fetchPrioBundlesStmt, err := db.PrepareNamed("select id, bundle_hash, bundle_uuid, param_signed_txs, param_block_number, param_timestamp, param_max_timestamp, received_timestamp, param_reverting_tx_hashes, coinbase_diff, total_gas_used, state_block_number, gas_fees, eth_sent_to_coinbase from bundles where is_high_prio = :is_high_prio and total_gas_used > 0 and coinbase_diff*1e18/total_gas_used > 1000000000 and param_block_number = :param_block_number order by coinbase_diff/total_gas_used DESC limit :limit")
	if err != nil {
		return nil, err
	}

	return &DatabaseService{
		db:                      db,
		insertBuiltBlockStmt:    insertBuiltBlockStmt,
		insertMissingBundleStmt: insertMissingBundleStmt,
		fetchPrioBundlesStmt:    fetchPrioBundlesStmt,
	}, nil
}

// bundleIds maps the hashes of bundles targeting blockNumber to their row ids.
// Unknown hashes are absent from the result.
func (ds *DatabaseService) bundleIds(ctx context.Context, blockNumber uint64, hashes []string) (map[string]uint64, error) {
	ids := make(map[string]uint64, len(hashes))
	for len(hashes) > 0 {
		chunk := hashes[:min(bundleIdsBatchSize, len(hashes))]
		hashes = hashes[len(chunk):]

		query, args, err := sqlx.In("select id, bundle_hash from bundles where param_block_number = ? and bundle_hash in (?)", blockNumber, chunk)
		if err != nil {
			return nil, err
		}
		var rows []struct {
			Id         uint64 `db:"id"`
			BundleHash string `db:"bundle_hash"`
		}
		if err := ds.db.SelectContext(ctx, &rows, ds.db.Rebind(query), args...); err != nil {
			return nil, err
		}
		for _, row := range rows {
			ids[row.BundleHash] = row.Id
		}
	}
	return ids, nil
}

// ensureBundles returns the row ids of bundles, inserting the ones the
// database does not know yet.
func (ds *DatabaseService) ensureBundles(ctx context.Context, blockNumber uint64, bundles []core.SimulatedBundle) (map[string]uint64, error) {
	hashes := make([]string, len(bundles))
	for i := range bundles {
		hashes[i] = bundles[i].OriginalBundle.Hash.String()
	}
	ids, err := ds.bundleIds(ctx, blockNumber, hashes)
	if err != nil {
		return nil, err
	}

	var conflicting []string
	for i := range bundles {
		if _, ok := ids[hashes[i]]; ok {
			continue
		}
		row, err := SimulatedBundleToDbBundle(&bundles[i], blockNumber-1)
		if err != nil {
			log.Error("could not encode missing bundle", "bundle", hashes[i], "err", err)
			continue
		}
		// outside of the cycle transaction, the unique constraint arbitrates
		// concurrent inserts
		var id uint64
		switch err := ds.insertMissingBundleStmt.GetContext(ctx, &id, row); {
		case err == nil:
			ids[hashes[i]] = id
		case errors.Is(err, sql.ErrNoRows):
			conflicting = append(conflicting, hashes[i])
		default:
			log.Error("could not insert missing bundle", "bundle", hashes[i], "err", err)
		}
	}
	if len(conflicting) == 0 {
		return ids, nil
	}

	inserted, err := ds.bundleIds(ctx, blockNumber, conflicting)
	if err != nil {
		return nil, err
	}
	for hash, id := range inserted {
		ids[hash] = id
	}
	return ids, nil
}

func (ds *DatabaseService) storeCycle(ctx context.Context, record *CycleRecord) error {
	ids, err := ds.ensureBundles(ctx, record.Block.BlockNumber, record.Bundles)
	if err != nil {
		return fmt.Errorf("could not insert bundles: %w", err)
	}

	tx, err := ds.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not open DB transaction: %w", err)
	}
	defer tx.Rollback()

	var blockId uint64
	if err := tx.NamedStmtContext(ctx, ds.insertBuiltBlockStmt).GetContext(ctx, &blockId, &record.Block); err != nil {
		return fmt.Errorf("could not insert built block: %w", err)
	}

	links := make([]blockAndBundleId, 0, len(record.BundleIds))
	for _, hash := range record.BundleIds {
		if id, ok := ids[hash]; ok {
			links = append(links, blockAndBundleId{BlockId: blockId, BundleId: id})
		}
	}
	if len(links) > 0 {
		if _, err := tx.NamedExecContext(ctx, "insert into built_blocks_bundles (block_id, bundle_id) values (:block_id, :bundle_id)", links); err != nil {
			return fmt.Errorf("could not insert built block bundles: %w", err)
		}
	}

	for i := range record.Candidates {
		record.Candidates[i].BlockId = blockId
	}
	if len(record.Candidates) > 0 {
		if _, err := tx.NamedExecContext(ctx, "insert into cycle_candidates (block_id, merge_count, bundle_count, balance, block_hash, duration_ms, error) values (:block_id, :merge_count, :bundle_count, :balance, :block_hash, :duration_ms, :error)", record.Candidates); err != nil {
			return fmt.Errorf("could not insert cycle candidates: %w", err)
		}
	}
	return tx.Commit()
}

// ConsumeCycle stores the winning block of a cycle with its bundles and the
// outcome of every candidate. Cycles without a winner are not stored.
func (ds *DatabaseService) ConsumeCycle(summary *miner.CycleSummary) {
	record := NewCycleRecord(summary)
	if record == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumeCycleTimeout)
	defer cancel()

	if err := ds.storeCycle(ctx, record); err != nil {
		log.Error("could not store cycle", "number", record.Block.BlockNumber, "err", err)
	}
}

func (ds *DatabaseService) GetPriorityBundles(ctx context.Context, blockNum uint64, isHighPrio bool) ([]DbBundle, error) {
	var bundles []DbBundle
	arg := map[string]interface{}{"param_block_number": blockNum, "is_high_prio": isHighPrio, "limit": lowPrioLimitSize}
	if isHighPrio {
		arg["limit"] = highPrioLimitSize
	}
	if err := ds.fetchPrioBundlesStmt.SelectContext(ctx, &bundles, arg); err != nil {
		return nil, err
	}
	return bundles, nil
}

func (ds *DatabaseService) Close() error {
	return ds.db.Close()
}
