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
	"fmt"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/c2FmZQ/storage"
)

// WalletStore manages wallet persistence to disk.
type WalletStore struct {
	DataDir string
	storage *storage.Storage
	mu      sync.Map // Stores *sync.Mutex for each owner to protect writes
}

// NewWalletStore creates a new WalletStore.
func NewWalletStore(dataDir string, s *storage.Storage) *WalletStore {
	return &WalletStore{
		DataDir: dataDir,
		storage: s,
	}
}

func (ws *WalletStore) lock(owner string) func() {
	m, _ := ws.mu.LoadOrStore(owner, &sync.Mutex{})
	mutex := m.(*sync.Mutex)
	mutex.Lock()
	return mutex.Unlock
}

func walletFilename(owner string) string {
	return filepath.Join("wallets", fmt.Sprintf("%s.json", url.PathEscape(owner)))
}

// LoadWallet loads the wallet of owner. A missing wallet is returned empty.
func (ws *WalletStore) LoadWallet(owner string) (*Wallet, error) {
	defer ws.lock(owner)()
	return ws.loadLocked(owner)
}

func (ws *WalletStore) loadLocked(owner string) (*Wallet, error) {
	var w Wallet
	if err := ws.storage.ReadDataFile(walletFilename(owner), &w); err != nil {
		if os.IsNotExist(err) {
			return NewWallet(owner), nil
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	if w.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("wallet schema version %d is newer than supported version %d", w.SchemaVersion, CurrentSchemaVersion)
	}
	w.Owner = owner
	w.normalize()
	return &w, nil
}

// SaveWallet saves the wallet atomically.
func (ws *WalletStore) SaveWallet(w *Wallet) error {
	defer ws.lock(w.Owner)()
	return ws.saveLocked(w)
}

func (ws *WalletStore) saveLocked(w *Wallet) error {
	w.normalize()
	if err := ws.storage.SaveDataFile(walletFilename(w.Owner), w); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}
	return nil
}

// Update loads the wallet of owner, passes it to fn and saves it if fn
// succeeds. The whole sequence holds the owner's lock.
func (ws *WalletStore) Update(owner string, fn func(*Wallet) error) (*Wallet, error) {
	defer ws.lock(owner)()
	w, err := ws.loadLocked(owner)
	if err != nil {
		return nil, err
	}
	if err := fn(w); err != nil {
		return nil, err
	}
	if err := ws.saveLocked(w); err != nil {
		return nil, err
	}
	return w, nil
}

// DeleteWallet removes the wallet file of owner.
func (ws *WalletStore) DeleteWallet(owner string) error {
	defer ws.lock(owner)()
	fullPath := filepath.Join(ws.DataDir, walletFilename(owner))
	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil // Already gone
		}
		return fmt.Errorf("could not delete wallet file: %w", err)
	}
	return nil
}

// ListOwners returns the owners of every stored wallet.
func (ws *WalletStore) ListOwners() ([]string, error) {
	files, err := os.ReadDir(filepath.Join(ws.DataDir, "wallets"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not read wallets directory: %w", err)
	}
	var owners []string
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		owner, err := url.PathUnescape(strings.TrimSuffix(file.Name(), ".json"))
		if err != nil {
			continue
		}
		owners = append(owners, owner)
	}
	return owners, nil
}

// ListWallets returns an iterator over all stored wallets.
func (ws *WalletStore) ListWallets() iter.Seq2[*Wallet, error] {
	return func(yield func(*Wallet, error) bool) {
		owners, err := ws.ListOwners()
		if err != nil {
			yield(nil, err)
			return
		}
		for _, owner := range owners {
			w, err := ws.LoadWallet(owner)
			if !yield(w, err) {
				return
			}
		}
	}
}
