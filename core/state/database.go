package state

import (
	"errors"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

var (
	ErrForeignOverlay = errors.New("overlay is not layered on this database")
	ErrStaleOverlay   = errors.New("overlay base root does not match database root")
)

// Account is the flat account model used by the block producer. Storage
// slots are not modelled.
type Account struct {
	Nonce   uint64
	Balance *uint256.Int
	Code    []byte
}

// Copy returns a deep copy of the account. Code is shared, it is never
// mutated in place.
func (a *Account) Copy() *Account {
	cpy := &Account{Nonce: a.Nonce, Code: a.Code}
	if a.Balance != nil {
		cpy.Balance = a.Balance.Clone()
	} else {
		cpy.Balance = new(uint256.Int)
	}
	return cpy
}

func (a *Account) empty() bool {
	return a.Nonce == 0 && (a.Balance == nil || a.Balance.IsZero()) && len(a.Code) == 0
}

// Reader is read-only access to an account state. Implementations must be
// safe for concurrent use. Account returns a copy owned by the caller, or nil
// when the account does not exist.
type Reader interface {
	Account(addr common.Address) *Account
	Root() common.Hash
}

// GenesisAlloc seeds a Database.
type GenesisAlloc map[common.Address]Account

// Database is the in-memory canonical state. Only committed overlays change
// it. A commit replaces the account map, the previous one is never written
// again and stays valid for the snapshots taken from it.
type Database struct {
	mu       sync.RWMutex
	accounts map[common.Address]*Account
	root     common.Hash
}

func NewDatabase(alloc GenesisAlloc) *Database {
	db := &Database{accounts: make(map[common.Address]*Account, len(alloc))}
	changes := make([]accountChange, 0, len(alloc))
	for addr, acc := range alloc {
		acc := acc
		db.accounts[addr] = acc.Copy()
		changes = append(changes, accountChange{Address: addr, Account: acc.Copy()})
	}
	db.root = digest(common.Hash{}, changes)
	return db
}

func (db *Database) Account(addr common.Address) *Account {
	db.mu.RLock()
	defer db.mu.RUnlock()

	acc, ok := db.accounts[addr]
	if !ok {
		return nil
	}
	return acc.Copy()
}

func (db *Database) Root() common.Hash {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.root
}

// Snapshot returns an immutable view of the current state. Later commits
// are not visible through it.
func (db *Database) Snapshot() *Snapshot {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return &Snapshot{db: db, accounts: db.accounts, root: db.root}
}

// Commit writes every account changed by the overlay and moves the root to
// the overlay's intermediate root. The overlay must sit directly on db or on
// a snapshot of db and must have been created against the current root.
func (db *Database) Commit(o *Overlay) (common.Hash, error) {
	if snap, ok := o.parent.(*Snapshot); !(ok && snap.db == db) && o.parent != Reader(db) {
		return common.Hash{}, ErrForeignOverlay
	}
	root := o.IntermediateRoot()

	db.mu.Lock()
	defer db.mu.Unlock()

	if o.baseRoot != db.root {
		return common.Hash{}, ErrStaleOverlay
	}
	accounts := make(map[common.Address]*Account, len(db.accounts)+len(o.objects))
	for addr, acc := range db.accounts {
		accounts[addr] = acc
	}
	for i := range o.objects {
		obj := &o.objects[i]
		if obj.account.empty() {
			delete(accounts, obj.address)
			continue
		}
		accounts[obj.address] = obj.account.Copy()
	}
	db.accounts = accounts
	db.root = root
	return root, nil
}

// Snapshot is the state of a Database at one root.
type Snapshot struct {
	db       *Database
	accounts map[common.Address]*Account
	root     common.Hash
}

func (s *Snapshot) Account(addr common.Address) *Account {
	acc, ok := s.accounts[addr]
	if !ok {
		return nil
	}
	return acc.Copy()
}

func (s *Snapshot) Root() common.Hash {
	return s.root
}

type accountChange struct {
	Address  common.Address
	Nonce    uint64
	Balance  *uint256.Int
	CodeHash common.Hash
	Account  *Account `rlp:"-"`
}

// digest commits to a base root and a set of account changes. It is a chain
// commitment, not a state trie root.
func digest(base common.Hash, changes []accountChange) common.Hash {
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Address.Cmp(changes[j].Address) < 0
	})
	for i := range changes {
		acc := changes[i].Account
		changes[i].Nonce = acc.Nonce
		changes[i].Balance = acc.Balance
		changes[i].CodeHash = crypto.Keccak256Hash(acc.Code)
	}
	enc, err := rlp.EncodeToBytes([]interface{}{base, changes})
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(enc)
}
