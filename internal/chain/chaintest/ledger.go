package chaintest

import (
	"fmt"
	"maps"

	"github.com/algorand/go-algorand-sdk/v2/types"
)

// Value is one global-state entry; a nil Bytes means a uint value.
type Value struct {
	Bytes []byte
	Uint  uint64
}

// Ledger is the node's state. AppHandlers mutate it directly; the node
// discards the copy when any member of a group fails.
type Ledger struct {
	Round    uint64
	Accounts map[types.Address]uint64
	Holdings map[types.Address]map[uint64]uint64
	Boxes    map[uint64]map[string][]byte
	Globals  map[uint64]map[string]Value
	Auth     map[types.Address]types.Address

	logs []string
}

func newLedger() *Ledger {
	return &Ledger{
		Accounts: make(map[types.Address]uint64),
		Holdings: make(map[types.Address]map[uint64]uint64),
		Boxes:    make(map[uint64]map[string][]byte),
		Globals:  make(map[uint64]map[string]Value),
		Auth:     make(map[types.Address]types.Address),
	}
}

func (l *Ledger) clone() *Ledger {
	c := &Ledger{
		Round:    l.Round,
		Accounts: maps.Clone(l.Accounts),
		Holdings: make(map[types.Address]map[uint64]uint64, len(l.Holdings)),
		Boxes:    make(map[uint64]map[string][]byte, len(l.Boxes)),
		Globals:  make(map[uint64]map[string]Value, len(l.Globals)),
		Auth:     maps.Clone(l.Auth),
	}
	for k, v := range l.Holdings {
		c.Holdings[k] = maps.Clone(v)
	}
	for k, v := range l.Boxes {
		c.Boxes[k] = maps.Clone(v)
	}
	for k, v := range l.Globals {
		c.Globals[k] = maps.Clone(v)
	}
	return c
}

// Log records an app log line for the current group.
func (l *Ledger) Log(line string) { l.logs = append(l.logs, line) }

func (l *Ledger) debit(addr types.Address, amount uint64) error {
	if l.Accounts[addr] < amount {
		return fmt.Errorf("overspend (account %s, balance %d, need %d)", addr, l.Accounts[addr], amount)
	}
	l.Accounts[addr] -= amount
	return nil
}

// Pay moves microalgos.
func (l *Ledger) Pay(from, to types.Address, amount uint64) error {
	if err := l.debit(from, amount); err != nil {
		return err
	}
	l.Accounts[to] += amount
	return nil
}

func (l *Ledger) optIn(addr types.Address, assetID uint64) {
	if l.Holdings[addr] == nil {
		l.Holdings[addr] = make(map[uint64]uint64)
	}
	if _, ok := l.Holdings[addr][assetID]; !ok {
		l.Holdings[addr][assetID] = 0
	}
}

func (l *Ledger) AssetBalance(addr types.Address, assetID uint64) (uint64, bool) {
	v, ok := l.Holdings[addr][assetID]
	return v, ok
}

// Transfer moves asset units between opted-in accounts.
func (l *Ledger) Transfer(from, to types.Address, assetID, amount uint64) error {
	have, ok := l.AssetBalance(from, assetID)
	if !ok {
		return fmt.Errorf("asset %d missing from %s", assetID, from)
	}
	if _, ok := l.AssetBalance(to, assetID); !ok {
		return fmt.Errorf("receiver %s not opted in to asset %d", to, assetID)
	}
	if have < amount {
		return fmt.Errorf("underflow on subtracting %d from sender amount %d", amount, have)
	}
	l.Holdings[from][assetID] -= amount
	l.Holdings[to][assetID] += amount
	return nil
}

func (l *Ledger) Box(appID uint64, name []byte) ([]byte, bool) {
	v, ok := l.Boxes[appID][string(name)]
	return v, ok
}

func (l *Ledger) SetBox(appID uint64, name, value []byte) {
	if l.Boxes[appID] == nil {
		l.Boxes[appID] = make(map[string][]byte)
	}
	l.Boxes[appID][string(name)] = append([]byte(nil), value...)
}

func (l *Ledger) DeleteBox(appID uint64, name []byte) {
	delete(l.Boxes[appID], string(name))
}

func (l *Ledger) Global(appID uint64, key string) (Value, bool) {
	v, ok := l.Globals[appID][key]
	return v, ok
}

func (l *Ledger) SetGlobal(appID uint64, key string, v Value) {
	if l.Globals[appID] == nil {
		l.Globals[appID] = make(map[string]Value)
	}
	l.Globals[appID][key] = v
}
