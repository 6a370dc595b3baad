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
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
)

func newTestStore(t *testing.T) *WalletStore {
	t.Helper()
	dir := t.TempDir()
	return NewWalletStore(dir, storage.New(dir, nil))
}

func TestWalletStoreLoadMissing(t *testing.T) {
	ws := newTestStore(t)
	w, err := ws.LoadWallet(testOwner)
	if err != nil {
		t.Fatalf("LoadWallet: %v", err)
	}
	if w.Owner != testOwner || len(w.Cards) != 0 || w.SchemaVersion != CurrentSchemaVersion {
		t.Errorf("empty wallet = %+v", w)
	}
	owners, err := ws.ListOwners()
	if err != nil || len(owners) != 0 {
		t.Errorf("ListOwners() = %v, %v; want nothing", owners, err)
	}
}

func TestWalletStoreSaveLoad(t *testing.T) {
	ws := newTestStore(t)
	w := NewWallet(testOwner)
	w.addCard(cardWithSpend(30, 5))
	w.UpdatedAt = 77
	if err := ws.SaveWallet(w); err != nil {
		t.Fatalf("SaveWallet: %v", err)
	}

	if _, err := os.Stat(filepath.Join(ws.DataDir, "wallets", "owner@example.com.json")); err != nil {
		t.Errorf("wallet file missing: %v", err)
	}

	got, err := ws.LoadWallet(testOwner)
	if err != nil {
		t.Fatalf("LoadWallet: %v", err)
	}
	if got.UpdatedAt != 77 || len(got.Cards) != 1 || got.Cards[0].Balance() != 25 {
		t.Errorf("loaded wallet = %+v", got)
	}
}

func TestWalletStoreUpdate(t *testing.T) {
	ws := newTestStore(t)
	if _, err := ws.Update(testOwner, func(w *Wallet) error {
		return w.addCard(cardWithSpend(10))
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	boom := errors.New("boom")
	_, err := ws.Update(testOwner, func(w *Wallet) error {
		w.Cards = nil
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update error = %v, want boom", err)
	}
	w, _ := ws.LoadWallet(testOwner)
	if len(w.Cards) != 1 {
		t.Errorf("failed update was saved: %d cards", len(w.Cards))
	}
}

func TestWalletStoreConcurrentUpdates(t *testing.T) {
	ws := newTestStore(t)
	const n = 20
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ws.Update(testOwner, func(w *Wallet) error {
				return w.addCard(Card{ID: testUUID(i), Name: "Card", InitialValue: 1})
			})
			if err != nil {
				t.Errorf("Update %d: %v", i, err)
			}
		}()
	}
	wg.Wait()
	w, _ := ws.LoadWallet(testOwner)
	if len(w.Cards) != n {
		t.Errorf("got %d cards, want %d", len(w.Cards), n)
	}
}

func TestWalletStoreListAndDelete(t *testing.T) {
	ws := newTestStore(t)
	owners := []string{"a@example.com", "b+tag@example.com", LocalOwner}
	for _, o := range owners {
		if err := ws.SaveWallet(NewWallet(o)); err != nil {
			t.Fatal(err)
		}
	}
	got, err := ws.ListOwners()
	if err != nil {
		t.Fatal(err)
	}
	slices.Sort(got)
	want := slices.Sorted(slices.Values(owners))
	if !slices.Equal(got, want) {
		t.Errorf("ListOwners() = %v, want %v", got, want)
	}

	count := 0
	for w, err := range ws.ListWallets() {
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Contains(owners, w.Owner) {
			t.Errorf("unexpected wallet %q", w.Owner)
		}
		count++
	}
	if count != len(owners) {
		t.Errorf("ListWallets yielded %d wallets", count)
	}

	if err := ws.DeleteWallet("a@example.com"); err != nil {
		t.Fatal(err)
	}
	if err := ws.DeleteWallet("a@example.com"); err != nil {
		t.Errorf("second DeleteWallet: %v", err)
	}
	got, _ = ws.ListOwners()
	if len(got) != 2 {
		t.Errorf("owners after delete = %v", got)
	}
}

func TestWalletStoreRejectsNewerSchema(t *testing.T) {
	ws := newTestStore(t)
	w := NewWallet(testOwner)
	w.SchemaVersion = CurrentSchemaVersion + 1
	if err := ws.storage.SaveDataFile(walletFilename(testOwner), w); err != nil {
		t.Fatal(err)
	}
	if _, err := ws.LoadWallet(testOwner); err == nil {
		t.Error("LoadWallet accepted a newer schema version")
	}
}

func TestWalletStoreEncrypted(t *testing.T) {
	dir := t.TempDir()
	mk, err := crypto.CreateMasterKey()
	if err != nil {
		t.Fatalf("Failed to create master key: %v", err)
	}
	st := storage.New(dir, mk)
	st.EnableCompression(true)
	ws := NewWalletStore(dir, st)

	w := NewWallet(testOwner)
	card := cardWithSpend(10)
	card.Name = "Secret Card Name"
	w.addCard(card)
	if err := ws.SaveWallet(w); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, walletFilename(testOwner)))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte(card.Name)) {
		t.Error("wallet file stored in plaintext")
	}

	got, err := ws.LoadWallet(testOwner)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cards[0].Name != card.Name {
		t.Errorf("decrypted name = %q", got.Cards[0].Name)
	}
}
