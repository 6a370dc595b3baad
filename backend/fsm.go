// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/c2FmZQ/storage"
	"github.com/hashicorp/raft"
)

const nodesFile = "nodes.json"

// FSM implements the raft.FSM interface over the wallet store.
type FSM struct {
	ws      *WalletStore
	hm      *HubManager
	storage *storage.Storage

	nodeMap          sync.Map // map[string]*NodeInfo
	lastAppliedIndex atomic.Uint64
}

// NewFSM creates a new FSM. hm may be nil.
func NewFSM(ws *WalletStore, hm *HubManager, s *storage.Storage) *FSM {
	f := &FSM{
		ws:      ws,
		hm:      hm,
		storage: s,
	}
	f.loadNodes()
	return f
}

// LastAppliedIndex returns the index of the last applied log entry.
func (f *FSM) LastAppliedIndex() uint64 {
	return f.lastAppliedIndex.Load()
}

func (f *FSM) loadNodes() {
	if f.storage == nil {
		return
	}
	var nodes map[string]*NodeInfo
	if err := f.storage.ReadDataFile(nodesFile, &nodes); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("FSM Error: failed to read %s: %v", nodesFile, err)
		}
		return
	}
	for k, v := range nodes {
		f.nodeMap.Store(k, v)
	}
}

func (f *FSM) nodes() map[string]*NodeInfo {
	nodes := make(map[string]*NodeInfo)
	f.nodeMap.Range(func(k, v any) bool {
		nodes[k.(string)] = v.(*NodeInfo)
		return true
	})
	return nodes
}

func (f *FSM) saveNodes() {
	if f.storage == nil {
		return
	}
	if err := f.storage.SaveDataFile(nodesFile, f.nodes()); err != nil {
		log.Printf("FSM Error: failed to save %s: %v", nodesFile, err)
	}
}

// registerNode records the HTTP address of a cluster node.
func (f *FSM) registerNode(n NodeInfo) {
	f.nodeMap.Store(n.NodeID, &n)
	f.saveNodes()
}

// NodeHTTPAddr returns the HTTP address of nodeID, or "".
func (f *FSM) NodeHTTPAddr(nodeID string) string {
	if v, ok := f.nodeMap.Load(nodeID); ok {
		return v.(*NodeInfo).HTTPAddr
	}
	return ""
}

// Apply applies a Raft log entry. The response is the updated *Wallet for
// wallet commands, nil for node registrations, or an error.
func (f *FSM) Apply(l *raft.Log) any {
	if len(l.Data) == 0 {
		return nil
	}
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		log.Printf("FSM Apply Error: failed to decode command: %v", err)
		return err
	}
	res := f.applyCommand(cmd, l.Index)
	f.lastAppliedIndex.Store(l.Index)
	return res
}

// applyCommand is idempotent per log index: entries replayed at startup
// that are already reflected in a stored wallet are skipped.
func (f *FSM) applyCommand(cmd Command, index uint64) any {
	if !cmd.IsWalletCommand() {
		if cmd.Node == nil || cmd.Node.NodeID == "" {
			return fmt.Errorf("%s: missing node", cmd.Type)
		}
		f.registerNode(*cmd.Node)
		return nil
	}
	var replayed bool
	w, err := f.ws.Update(cmd.Owner, func(w *Wallet) error {
		if index <= w.LastRaftIndex {
			replayed = true
			return nil
		}
		if err := w.Apply(cmd); err != nil {
			return err
		}
		w.LastRaftIndex = index
		return nil
	})
	if err != nil {
		return err
	}
	if f.hm != nil && !replayed {
		f.hm.Notify(cmd.Owner, w.UpdatedAt)
	}
	return w
}

// fsmState is the snapshot format.
type fsmState struct {
	Wallets []*Wallet            `json:"wallets"`
	Nodes   map[string]*NodeInfo `json:"nodes"`
}

// FSMSnapshot is a point-in-time copy of every wallet.
type FSMSnapshot struct {
	state fsmState
}

// Persist saves the snapshot to the given sink.
func (s *FSMSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return sink.Close()
}

// Release releases the snapshot.
func (s *FSMSnapshot) Release() {}

// Snapshot is never called concurrently with Apply, so the wallets read
// here are consistent with LastAppliedIndex.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	state := fsmState{Nodes: f.nodes()}
	for w, err := range f.ws.ListWallets() {
		if err != nil {
			log.Printf("FSM Snapshot Error: listing wallets failed: %v", err)
			return nil, err
		}
		state.Wallets = append(state.Wallets, w)
	}
	return &FSMSnapshot{state: state}, nil
}

// Restore replaces every wallet with the contents of the snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var state fsmState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	keep := make(map[string]bool, len(state.Wallets))
	for _, w := range state.Wallets {
		keep[w.Owner] = true
		if err := f.ws.SaveWallet(w); err != nil {
			return err
		}
		if f.hm != nil {
			f.hm.Notify(w.Owner, w.UpdatedAt)
		}
	}
	owners, err := f.ws.ListOwners()
	if err != nil {
		return err
	}
	for _, owner := range owners {
		if keep[owner] {
			continue
		}
		if err := f.ws.DeleteWallet(owner); err != nil {
			return err
		}
		if f.hm != nil {
			f.hm.Notify(owner, 0)
		}
	}

	f.nodeMap.Clear()
	for k, v := range state.Nodes {
		f.nodeMap.Store(k, v)
	}
	f.saveNodes()
	return nil
}
