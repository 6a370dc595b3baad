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

package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/ttbt-io/cardkeeper/backend"
)

var (
	addr              = flag.String("addr", ":5174", "The TCP address to listen to")
	useMockAuth       = flag.Bool("use-mock-auth", false, "Use Mock Authentication. For testing purposes only.")
	requireAuth       = flag.Bool("require-auth", false, "Reject anonymous API requests instead of using the local wallet")
	debugMode         = flag.Bool("debug", false, "Enable debug mode")
	raftEnabled       = flag.Bool("raft", false, "Enable Raft consensus")
	raftBind          = flag.String("raft-bind", ":8081", "Address for Raft TCP transport")
	raftAdvertise     = flag.String("raft-advertise", "", "Public address for Raft traffic")
	raftHTTPAdvertise = flag.String("raft-http-advertise", "", "Base URL other nodes use to reach this node's HTTP API (REQUIRED with --raft)")
	raftSecret        = flag.String("raft-secret", "", "Shared secret for cluster authentication")
	raftBootstrap     = flag.Bool("raft-bootstrap", false, "Bootstrap the Raft cluster (only for first node)")
	raftJoin          = flag.String("raft-join", "", "Base URL of a cluster member to join")
	raftCAFile        = flag.String("raft-ca-file", "", "PEM file with CA certificates trusted for cluster HTTPS requests")
	dataDir           = flag.String("data-dir", "data", "Directory for wallet data")
	tlsCert           = flag.String("tls-cert", "", "Path to TLS certificate")
	tlsKey            = flag.String("tls-key", "", "Path to TLS key")
	authCookieName    = flag.String("auth-cookie-name", "cardkeeper_auth", "Name of the cookie containing the JWT")
	authJWKSURL       = flag.String("auth-jwks-url", "", "URL of the JWKS used to verify auth tokens")
)

// main starts the web server and waits for a termination signal.
func main() {
	flag.Parse()

	if *raftEnabled {
		if *raftHTTPAdvertise == "" {
			log.Fatal("--raft-http-advertise is required when Raft is enabled")
		}
		if *raftSecret == "" {
			log.Fatal("--raft-secret is required when Raft is enabled")
		}
		if *raftBootstrap && *raftJoin != "" {
			log.Fatal("--raft-bootstrap and --raft-join are mutually exclusive")
		}
	}

	var cert *tls.Certificate
	if *tlsCert != "" && *tlsKey != "" {
		c, err := tls.LoadX509KeyPair(*tlsCert, *tlsKey)
		if err != nil {
			log.Fatalf("Failed to load TLS cert/key: %v", err)
		}
		cert = &c
	}

	var raftCAs *x509.CertPool
	if *raftCAFile != "" {
		pem, err := os.ReadFile(*raftCAFile)
		if err != nil {
			log.Fatalf("Failed to read --raft-ca-file: %v", err)
		}
		raftCAs = x509.NewCertPool()
		if !raftCAs.AppendCertsFromPEM(pem) {
			log.Fatalf("No certificates found in %s", *raftCAFile)
		}
	}

	masterKey, err := loadMasterKey(*dataDir, os.Getenv("CK_MASTER_KEY"))
	if err != nil {
		log.Fatal(err)
	}
	store := storage.New(*dataDir, masterKey)
	store.EnableCompression(true)

	server, err := backend.StartServer(backend.Options{
		Addr:                  *addr,
		Cert:                  cert,
		DataDir:               *dataDir,
		UseMockAuth:           *useMockAuth,
		RequireAuth:           *requireAuth,
		Debug:                 *debugMode,
		Storage:               store,
		MasterKey:             masterKey,
		RaftEnabled:           *raftEnabled,
		RaftBind:              *raftBind,
		RaftAdvertise:         *raftAdvertise,
		RaftHTTPAdvertise:     *raftHTTPAdvertise,
		RaftSecret:            *raftSecret,
		RaftJoin:              *raftJoin,
		RaftBootstrap:         *raftBootstrap,
		RaftRootCAs:           raftCAs,
		UseProductionTimeouts: true,
		AuthCookieName:        *authCookieName,
		AuthJWKSURL:           *authJWKSURL,
	})
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	} else {
		log.Println("Gracefully stopped.")
	}
}

// loadMasterKey opens or creates the at-rest encryption key. Without a
// passphrase data is stored unencrypted, unless a key file already exists.
func loadMasterKey(dir, passphrase string) (crypto.MasterKey, error) {
	keyFile := filepath.Join(dir, "master.key")
	if passphrase == "" {
		if _, err := os.Stat(keyFile); err == nil {
			log.Fatalf("Critical Security Error: %s exists but CK_MASTER_KEY is not set. Refusing to start in unencrypted mode.", keyFile)
		}
		log.Println("Warning: No CK_MASTER_KEY provided. Data will be stored UNENCRYPTED.")
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	mk, err := crypto.ReadMasterKey([]byte(passphrase), keyFile)
	if err == nil {
		log.Println("Loaded master encryption key.")
		return mk, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	log.Println("Initializing new master encryption key...")
	if mk, err = crypto.CreateMasterKey(); err != nil {
		return nil, err
	}
	if err := mk.Save([]byte(passphrase), keyFile); err != nil {
		return nil, err
	}
	return mk, nil
}
