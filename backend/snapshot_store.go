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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/c2FmZQ/storage/crypto"
	"github.com/hashicorp/raft"
)

const snapshotCryptoCtx = "cardkeeper-raft-snapshot"

// sealedSnapshotStore encrypts snapshots on disk. Open returns the
// plaintext stream so raft can restore or ship it to followers.
type sealedSnapshotStore struct {
	inner raft.SnapshotStore
	key   crypto.EncryptionKey
}

func newSealedSnapshotStore(inner raft.SnapshotStore, key crypto.EncryptionKey) raft.SnapshotStore {
	if key == nil {
		return inner
	}
	return &sealedSnapshotStore{inner: inner, key: key}
}

func (s *sealedSnapshotStore) Create(version raft.SnapshotVersion, index, term uint64, configuration raft.Configuration, configurationIndex uint64, trans raft.Transport) (raft.SnapshotSink, error) {
	sink, err := s.inner.Create(version, index, term, configuration, configurationIndex, trans)
	if err != nil {
		return nil, err
	}
	w, err := s.key.StartWriter([]byte(snapshotCryptoCtx), sink)
	if err != nil {
		sink.Cancel()
		return nil, err
	}
	return &sealedSink{SnapshotSink: sink, w: w}, nil
}

func (s *sealedSnapshotStore) List() ([]*raft.SnapshotMeta, error) {
	return s.inner.List()
}

func (s *sealedSnapshotStore) Open(id string) (*raft.SnapshotMeta, io.ReadCloser, error) {
	meta, rc, err := s.inner.Open(id)
	if err != nil {
		return nil, nil, err
	}
	r, err := s.key.StartReader([]byte(snapshotCryptoCtx), rc)
	if err != nil {
		rc.Close()
		return nil, nil, err
	}
	return meta, &openedSnapshot{Reader: r, r: r, file: rc}, nil
}

type sealedSink struct {
	raft.SnapshotSink
	w crypto.StreamWriter
}

func (s *sealedSink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

// Close flushes the authentication tag before committing the snapshot.
func (s *sealedSink) Close() error {
	if err := s.w.Close(); err != nil {
		s.SnapshotSink.Cancel()
		return err
	}
	return s.SnapshotSink.Close()
}

func (s *sealedSink) Cancel() error {
	s.w.Close()
	return s.SnapshotSink.Cancel()
}

type openedSnapshot struct {
	io.Reader
	r    crypto.StreamReader
	file io.Closer
}

func (o *openedSnapshot) Close() error {
	return errors.Join(o.r.Close(), o.file.Close())
}

// loadOrCreateSnapshotKey returns the key that seals this node's snapshots,
// stored under dir wrapped by mk.
func loadOrCreateSnapshotKey(dir string, mk crypto.MasterKey) (crypto.EncryptionKey, error) {
	path := filepath.Join(dir, "snapshot.key")
	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		key, err := mk.ReadEncryptedKey(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read snapshot key: %w", err)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key, err := mk.NewKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate snapshot key: %w", err)
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return nil, err
	}
	if err := key.WriteEncryptedKey(out); err != nil {
		out.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write snapshot key: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, err
	}
	return key, nil
}
