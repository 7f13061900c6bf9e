package state

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type stateObject struct {
	address common.Address
	account Account
}

// journalEntry records the account value an object held before a write.
// created entries were appended to the arena by the write itself.
type journalEntry struct {
	index   int
	prev    Account
	created bool
}

// Overlay is a copy-on-write view over a parent Reader. Writes land in an
// arena owned by the overlay; reads fall through to the parent without
// caching, so one parent can serve any number of concurrent children as long
// as nothing writes to the parent meanwhile. An Overlay itself is not safe
// for concurrent mutation.
type Overlay struct {
	parent   Reader
	baseRoot common.Hash

	objects []stateObject
	index   map[common.Address]int
	journal []journalEntry
}

// NewOverlay creates an empty overlay over parent.
func NewOverlay(parent Reader) *Overlay {
	return &Overlay{
		parent:   parent,
		baseRoot: parent.Root(),
		index:    make(map[common.Address]int),
	}
}

// Child is shorthand for NewOverlay(o).
func (o *Overlay) Child() *Overlay {
	return NewOverlay(o)
}

// Parent returns the reader the overlay was layered on.
func (o *Overlay) Parent() Reader {
	return o.parent
}

// Copy returns an independent overlay over the same parent holding the same
// changes. The journal is not carried over.
func (o *Overlay) Copy() *Overlay {
	cpy := &Overlay{
		parent:   o.parent,
		baseRoot: o.baseRoot,
		objects:  make([]stateObject, len(o.objects)),
		index:    make(map[common.Address]int, len(o.index)),
	}
	for i, obj := range o.objects {
		cpy.objects[i] = stateObject{address: obj.address, account: *obj.account.Copy()}
		cpy.index[obj.address] = i
	}
	return cpy
}

// Account implements Reader.
func (o *Overlay) Account(addr common.Address) *Account {
	if i, ok := o.index[addr]; ok {
		acc := &o.objects[i].account
		if acc.empty() {
			return nil
		}
		return acc.Copy()
	}
	return o.parent.Account(addr)
}

// Root implements Reader and returns the root the overlay was based on.
func (o *Overlay) Root() common.Hash {
	return o.baseRoot
}

func (o *Overlay) Exist(addr common.Address) bool {
	return o.Account(addr) != nil
}

func (o *Overlay) GetBalance(addr common.Address) *uint256.Int {
	if acc := o.Account(addr); acc != nil {
		return acc.Balance
	}
	return new(uint256.Int)
}

func (o *Overlay) GetNonce(addr common.Address) uint64 {
	if acc := o.Account(addr); acc != nil {
		return acc.Nonce
	}
	return 0
}

func (o *Overlay) GetCode(addr common.Address) []byte {
	if acc := o.Account(addr); acc != nil {
		return acc.Code
	}
	return nil
}

func (o *Overlay) AddBalance(addr common.Address, amount *uint256.Int) {
	o.mutate(addr, func(acc *Account) {
		acc.Balance.Add(acc.Balance, amount)
	})
}

// SubBalance panics on underflow; callers check funds first.
func (o *Overlay) SubBalance(addr common.Address, amount *uint256.Int) {
	o.mutate(addr, func(acc *Account) {
		if acc.Balance.Lt(amount) {
			panic("state: balance underflow for " + addr.Hex())
		}
		acc.Balance.Sub(acc.Balance, amount)
	})
}

func (o *Overlay) SetBalance(addr common.Address, amount *uint256.Int) {
	o.mutate(addr, func(acc *Account) {
		acc.Balance.Set(amount)
	})
}

func (o *Overlay) SetNonce(addr common.Address, nonce uint64) {
	o.mutate(addr, func(acc *Account) {
		acc.Nonce = nonce
	})
}

func (o *Overlay) SetCode(addr common.Address, code []byte) {
	o.mutate(addr, func(acc *Account) {
		acc.Code = common.CopyBytes(code)
	})
}

func (o *Overlay) mutate(addr common.Address, fn func(acc *Account)) {
	i, ok := o.index[addr]
	if !ok {
		acc := o.parent.Account(addr)
		if acc == nil {
			acc = &Account{Balance: new(uint256.Int)}
		}
		i = len(o.objects)
		o.objects = append(o.objects, stateObject{address: addr, account: *acc})
		o.index[addr] = i
		o.journal = append(o.journal, journalEntry{index: i, created: true})
	} else {
		o.journal = append(o.journal, journalEntry{index: i, prev: *o.objects[i].account.Copy()})
	}
	fn(&o.objects[i].account)
}

// Snapshot returns an identifier for the current revision of the overlay.
func (o *Overlay) Snapshot() int {
	return len(o.journal)
}

// RevertToSnapshot undoes every write made after the given snapshot.
func (o *Overlay) RevertToSnapshot(id int) {
	if id < 0 || id > len(o.journal) {
		panic("state: invalid snapshot id")
	}
	for i := len(o.journal) - 1; i >= id; i-- {
		entry := o.journal[i]
		if entry.created {
			delete(o.index, o.objects[entry.index].address)
			o.objects = o.objects[:entry.index]
			continue
		}
		o.objects[entry.index].account = entry.prev
	}
	o.journal = o.journal[:id]
}

// Touched returns the written addresses in ascending order.
func (o *Overlay) Touched() []common.Address {
	addrs := make([]common.Address, 0, len(o.objects))
	for _, obj := range o.objects {
		addrs = append(addrs, obj.address)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Cmp(addrs[j]) < 0 })
	return addrs
}

// TouchedSince returns the addresses written after the given snapshot, in
// write order.
func (o *Overlay) TouchedSince(id int) []common.Address {
	seen := make(map[common.Address]struct{})
	var addrs []common.Address
	for _, entry := range o.journal[id:] {
		addr := o.objects[entry.index].address
		if _, ok := seen[addr]; !ok {
			seen[addr] = struct{}{}
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// MergeInto writes every change of o into its parent. The writes are
// journaled in the parent so they can be reverted there.
func (o *Overlay) MergeInto(parent *Overlay) {
	if o.parent != Reader(parent) {
		panic("state: merging overlay into a foreign parent")
	}
	for i := range o.objects {
		obj := &o.objects[i]
		acc := obj.account.Copy()
		parent.mutate(obj.address, func(dst *Account) {
			*dst = *acc
		})
	}
}

// IntermediateRoot commits to the base root and every account change.
func (o *Overlay) IntermediateRoot() common.Hash {
	changes := make([]accountChange, 0, len(o.objects))
	for i := range o.objects {
		changes = append(changes, accountChange{Address: o.objects[i].address, Account: o.objects[i].account.Copy()})
	}
	return digest(o.baseRoot, changes)
}
