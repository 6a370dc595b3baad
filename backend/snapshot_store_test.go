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
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/c2FmZQ/storage/crypto"
	"github.com/hashicorp/raft"
)

func TestSealedSnapshotStore(t *testing.T) {
	dir := t.TempDir()
	mk, err := crypto.CreateMasterKey()
	if err != nil {
		t.Fatal(err)
	}
	key, err := loadOrCreateSnapshotKey(dir, mk)
	if err != nil {
		t.Fatalf("loadOrCreateSnapshotKey: %v", err)
	}
	files, err := raft.NewFileSnapshotStore(dir, 1, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	store := newSealedSnapshotStore(files, key)

	payload := []byte(`{"wallets":{"pat@example.com":{"owner":"pat@example.com"}}}`)
	sink, err := store.Create(raft.SnapshotVersionMax, 10, 2, raft.Configuration{}, 1, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := sink.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	metas, err := store.List()
	if err != nil || len(metas) != 1 {
		t.Fatalf("List() = %v, %v", metas, err)
	}
	onDisk, err := os.ReadFile(filepath.Join(dir, "snapshots", metas[0].ID, "state.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(onDisk, []byte("pat@example.com")) {
		t.Error("snapshot stored in plaintext")
	}

	_, rc, err := store.Open(metas[0].ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil || !bytes.Equal(got, payload) {
		t.Errorf("Open read %q, %v", got, err)
	}

	// The key is reloaded rather than replaced.
	again, err := loadOrCreateSnapshotKey(dir, mk)
	if err != nil {
		t.Fatal(err)
	}
	_, rc, err = newSealedSnapshotStore(files, again).Open(metas[0].ID)
	if err != nil {
		t.Fatalf("Open with reloaded key: %v", err)
	}
	got, _ = io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, payload) {
		t.Error("reloaded key cannot read the snapshot")
	}
}

func TestSealedSnapshotStoreWithoutKey(t *testing.T) {
	inner := raft.NewInmemSnapshotStore()
	if got := newSealedSnapshotStore(inner, nil); got != raft.SnapshotStore(inner) {
		t.Errorf("store without key = %T, want the inner store", got)
	}
}
