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

// readfile prints stored wallets as JSON. With no arguments every wallet in
// --data-dir is printed, otherwise only the named owners.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/ttbt-io/cardkeeper/backend"
)

var (
	dataDir = flag.String("data-dir", "data", "Directory for wallet data")
)

func main() {
	flag.Parse()

	var masterKey crypto.MasterKey
	keyFile := filepath.Join(*dataDir, "master.key")
	if passphrase := os.Getenv("CK_MASTER_KEY"); passphrase != "" {
		var err error
		if masterKey, err = crypto.ReadMasterKey([]byte(passphrase), keyFile); err != nil {
			log.Fatalf("Failed to read master key: %v", err)
		}
	} else if _, err := os.Stat(keyFile); err == nil {
		log.Fatalf("%s exists but CK_MASTER_KEY is not set.", keyFile)
	}

	ws := backend.NewWalletStore(*dataDir, storage.New(*dataDir, masterKey))
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	owners := flag.Args()
	if len(owners) == 0 {
		var err error
		if owners, err = ws.ListOwners(); err != nil {
			log.Fatalf("Failed to list wallets: %v", err)
		}
	}
	for _, owner := range owners {
		w, err := ws.LoadWallet(owner)
		if err != nil {
			log.Printf("%s: %v", owner, err)
			continue
		}
		fmt.Printf("=========== %s (%d cards) ===========\n", owner, len(w.Cards))
		if err := enc.Encode(w); err != nil {
			log.Printf("JSON: %s: %v", owner, err)
		}
	}
}
