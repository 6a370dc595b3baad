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
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage/crypto"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

var ErrNotLeader = errors.New("not leader")

const (
	headerRaftSecret    = "X-Raft-Secret"
	headerRaftForwarded = "X-Raft-Forwarded"
)

// RaftManager replicates wallet commands across a cluster.
type RaftManager struct {
	Raft                  *raft.Raft
	FSM                   *FSM
	DataDir               string
	Bind                  string // "host:port" for Raft transport
	Advertise             string // "host:port" other nodes dial for Raft
	HTTPAdvertise         string // Base URL other nodes use to forward API writes
	NodeID                string
	Secret                string
	UseProductionTimeouts bool
	ApplyTimeout          time.Duration

	LogOutput io.Writer        // Optional: Redirect Raft logs
	MasterKey crypto.MasterKey // Optional: Encrypt snapshots at rest

	httpClient   *http.Client
	transport    *raft.NetworkTransport
	logStore     *raftboltdb.BoltStore
	stableStore  *raftboltdb.BoltStore
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

func NewRaftManager(dataDir, bind, advertise, httpAdvertise, secret string, fsm *FSM) *RaftManager {
	return &RaftManager{
		DataDir:       dataDir,
		Bind:          bind,
		Advertise:     advertise,
		HTTPAdvertise: strings.TrimSuffix(httpAdvertise, "/"),
		Secret:        secret,
		FSM:           fsm,
		ApplyTimeout:  5 * time.Second,
		LogOutput:     os.Stderr,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		shutdownCh:    make(chan struct{}),
	}
}

// SetRootCAs makes cluster requests trust the certificates in pool.
func (rm *RaftManager) SetRootCAs(pool *x509.CertPool) {
	rm.httpClient.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{RootCAs: pool},
	}
}

// loadOrCreateNodeID keeps the node ID stable across restarts.
func (rm *RaftManager) loadOrCreateNodeID() error {
	if rm.NodeID != "" {
		return nil
	}
	path := filepath.Join(rm.DataDir, "node-id")
	data, err := os.ReadFile(path)
	if err == nil && len(bytes.TrimSpace(data)) > 0 {
		rm.NodeID = string(bytes.TrimSpace(data))
		return nil
	}
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	rm.NodeID = uuid.NewString()
	return os.WriteFile(path, []byte(rm.NodeID+"\n"), 0600)
}

// Start opens the Raft stores and joins the consensus loop. With bootstrap
// set, a fresh node forms a single-node cluster and ingests any wallets
// already on disk.
func (rm *RaftManager) Start(bootstrap bool) error {
	if err := os.MkdirAll(rm.DataDir, 0755); err != nil {
		return err
	}
	if err := rm.loadOrCreateNodeID(); err != nil {
		return fmt.Errorf("failed to load node ID: %w", err)
	}
	log.Printf("NodeID: %s", rm.NodeID)

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(rm.NodeID)
	if !rm.UseProductionTimeouts {
		// Faster timeouts for tests
		config.HeartbeatTimeout = 500 * time.Millisecond
		config.ElectionTimeout = 500 * time.Millisecond
		config.LeaderLeaseTimeout = 250 * time.Millisecond
		config.CommitTimeout = 50 * time.Millisecond
	}
	config.SnapshotInterval = 120 * time.Second
	config.SnapshotThreshold = 8192
	config.LogLevel = "INFO"
	if rm.LogOutput != nil {
		config.LogOutput = rm.LogOutput
	}

	var advertise net.Addr
	if rm.Advertise != "" {
		addr, err := net.ResolveTCPAddr("tcp", rm.Advertise)
		if err != nil {
			return fmt.Errorf("invalid raft advertise address %q: %w", rm.Advertise, err)
		}
		advertise = addr
	}
	transport, err := raft.NewTCPTransport(rm.Bind, advertise, 3, 10*time.Second, rm.LogOutput)
	if err != nil {
		return fmt.Errorf("raft transport: %w", err)
	}
	rm.transport = transport
	rm.Advertise = string(transport.LocalAddr())

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(rm.DataDir, "raft-log.bolt"))
	if err != nil {
		rm.closeStores()
		return err
	}
	rm.logStore = logStore
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(rm.DataDir, "raft-stable.bolt"))
	if err != nil {
		rm.closeStores()
		return err
	}
	rm.stableStore = stableStore

	fileSnapshots, err := raft.NewFileSnapshotStore(rm.DataDir, 2, rm.LogOutput)
	if err != nil {
		rm.closeStores()
		return err
	}
	var snapshotKey crypto.EncryptionKey
	if rm.MasterKey != nil {
		if snapshotKey, err = loadOrCreateSnapshotKey(rm.DataDir, rm.MasterKey); err != nil {
			rm.closeStores()
			return err
		}
	}
	snapshotStore := newSealedSnapshotStore(fileSnapshots, snapshotKey)

	r, err := raft.NewRaft(config, rm.FSM, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		rm.closeStores()
		return err
	}
	rm.Raft = r

	// Known locally before the replicated entry lands.
	rm.FSM.registerNode(rm.self())

	if bootstrap {
		log.Printf("Bootstrapping Raft cluster with NodeID: %s", rm.NodeID)
		f := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
		})
		if err := f.Error(); err != nil {
			if !errors.Is(err, raft.ErrCantBootstrap) {
				return err
			}
			log.Printf("Raft cluster already bootstrapped")
		} else {
			go rm.afterBootstrap()
		}
	}
	return nil
}

func (rm *RaftManager) self() NodeInfo {
	return NodeInfo{NodeID: rm.NodeID, RaftAddr: rm.Advertise, HTTPAddr: rm.HTTPAdvertise}
}

// afterBootstrap publishes this node's address and ingests wallets that
// were written in standalone mode.
func (rm *RaftManager) afterBootstrap() {
	if err := rm.WaitForLeader(30 * time.Second); err != nil {
		log.Printf("Bootstrap: %v", err)
		return
	}
	node := rm.self()
	if _, err := rm.Propose(Command{Type: CmdRegisterNode, Node: &node}); err != nil {
		log.Printf("Failed to propose bootstrap metadata: %v", err)
	}

	log.Printf("Ingesting existing wallets into Raft log...")
	for w, err := range rm.FSM.ws.ListWallets() {
		if err != nil {
			log.Printf("Failed to list wallets for ingestion: %v", err)
			break
		}
		cmd := Command{Type: CmdReplaceCards, Owner: w.Owner, Cards: w.Cards, At: w.UpdatedAt}
		if _, err := rm.Propose(cmd); err != nil {
			log.Printf("Failed to ingest wallet of %s: %v", maskEmail(w.Owner), err)
		}
	}
	log.Printf("Ingestion complete.")
}

// WaitForLeader blocks until this node is the leader or timeout passes.
func (rm *RaftManager) WaitForLeader(timeout time.Duration) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if rm.IsLeader() {
			return nil
		}
		select {
		case <-timer.C:
			return fmt.Errorf("timeout waiting for leadership")
		case <-rm.shutdownCh:
			return raft.ErrRaftShutdown
		case <-ticker.C:
		}
	}
}

// IsLeader reports whether this node currently leads the cluster.
func (rm *RaftManager) IsLeader() bool {
	return rm.Raft != nil && rm.Raft.State() == raft.Leader
}

// Propose replicates cmd and returns the wallet it produced on this node.
func (rm *RaftManager) Propose(cmd Command) (*Wallet, error) {
	if !rm.IsLeader() {
		return nil, ErrNotLeader
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	f := rm.Raft.Apply(data, rm.ApplyTimeout)
	if err := f.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, ErrNotLeader
		}
		return nil, err
	}
	switch resp := f.Response().(type) {
	case error:
		return nil, resp
	case *Wallet:
		return resp, nil
	}
	return nil, nil
}

// Join adds a new voter to the cluster and replicates its HTTP address.
func (rm *RaftManager) Join(node NodeInfo) error {
	if !rm.IsLeader() {
		return ErrNotLeader
	}
	log.Printf("Received join request for remote node %s at Raft:%s, HTTP:%s", node.NodeID, node.RaftAddr, node.HTTPAddr)

	if _, err := rm.Propose(Command{Type: CmdRegisterNode, Node: &node}); err != nil {
		return fmt.Errorf("failed to store node metadata: %w", err)
	}
	f := rm.Raft.AddVoter(raft.ServerID(node.NodeID), raft.ServerAddress(node.RaftAddr), 0, 0)
	if err := f.Error(); err != nil {
		return err
	}
	log.Printf("Node %s joined successfully", node.NodeID)
	return nil
}

// JoinCluster asks the node at leaderURL to add this node to its cluster.
func (rm *RaftManager) JoinCluster(ctx context.Context, leaderURL string) error {
	body, err := json.Marshal(rm.self())
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(leaderURL, "/")+"/api/cluster/join", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerRaftSecret, rm.Secret)
	resp, err := rm.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("join request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("join rejected: %d %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// LeaderHTTPAddr returns the HTTP base URL of the current leader.
func (rm *RaftManager) LeaderHTTPAddr() string {
	_, leaderID := rm.Raft.LeaderWithID()
	if leaderID == "" {
		return ""
	}
	return rm.FSM.NodeHTTPAddr(string(leaderID))
}

func (rm *RaftManager) checkSecret(r *http.Request) bool {
	return rm.Secret != "" && r.Header.Get(headerRaftSecret) == rm.Secret
}

// forwardedByMe reports whether this node already forwarded r.
func (rm *RaftManager) forwardedByMe(r *http.Request) bool {
	for _, id := range strings.Split(r.Header.Get(headerRaftForwarded), ",") {
		if strings.TrimSpace(id) == rm.NodeID {
			return true
		}
	}
	return false
}

func (rm *RaftManager) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}
	// Require Secret for status to prevent leaking topology.
	if !rm.checkSecret(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	_, leaderID := rm.Raft.LeaderWithID()
	status := map[string]any{
		"nodeId":        rm.NodeID,
		"state":         rm.Raft.State().String(),
		"leaderId":      string(leaderID),
		"leaderAddr":    rm.LeaderHTTPAddr(),
		"raftAddr":      rm.Advertise,
		"httpAddr":      rm.HTTPAdvertise,
		"appliedIndex":  rm.FSM.LastAppliedIndex(),
		"appVersion":    CurrentAppVersion,
		"schemaVersion": CurrentSchemaVersion,
	}
	configFuture := rm.Raft.GetConfiguration()
	if err := configFuture.Error(); err == nil {
		var nodes []map[string]any
		for _, s := range configFuture.Configuration().Servers {
			nodes = append(nodes, map[string]any{
				"id":       string(s.ID),
				"raftAddr": string(s.Address),
				"httpAddr": rm.FSM.NodeHTTPAddr(string(s.ID)),
				"suffrage": s.Suffrage.String(),
			})
		}
		status["nodes"] = nodes
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (rm *RaftManager) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}
	if rm.forwardedByMe(r) {
		http.Error(w, "Forwarding loop detected", http.StatusLoopDetected)
		return
	}
	if !rm.checkSecret(r) {
		http.Error(w, "Forbidden: Invalid Cluster Secret", http.StatusForbidden)
		return
	}
	if !rm.IsLeader() {
		rm.forwardRequestToLeader(w, r)
		return
	}

	var node NodeInfo
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxJSONBodyBytes)).Decode(&node); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if node.NodeID == "" {
		http.Error(w, "Missing required field: nodeId", http.StatusBadRequest)
		return
	}
	if _, _, err := net.SplitHostPort(node.RaftAddr); err != nil {
		http.Error(w, "Invalid raftAddr: must be host:port", http.StatusBadRequest)
		return
	}
	if u, err := url.Parse(node.HTTPAddr); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		http.Error(w, "Invalid httpAddr: must be an http(s) URL", http.StatusBadRequest)
		return
	}

	if err := rm.Join(node); err != nil {
		http.Error(w, fmt.Sprintf("Failed to join: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Node %s joined cluster", node.NodeID)
}

// forwardRequestToLeader proxies r to the leader's HTTP API. Cookies go
// along so the leader resolves the same wallet owner.
func (rm *RaftManager) forwardRequestToLeader(w http.ResponseWriter, r *http.Request) {
	leaderAddr := rm.LeaderHTTPAddr()
	if leaderAddr == "" || leaderAddr == rm.HTTPAdvertise {
		writeError(w, http.StatusServiceUnavailable, "No leader available")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxUploadBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "Failed to read request body")
		return
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, leaderAddr+r.URL.RequestURI(), bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create forward request")
		return
	}
	for k, v := range r.Header {
		req.Header[k] = v
	}

	forwarded := req.Header.Get(headerRaftForwarded)
	if forwarded != "" {
		forwarded += "," + rm.NodeID
	} else {
		forwarded = rm.NodeID
	}
	req.Header.Set(headerRaftForwarded, forwarded)
	if rm.Secret != "" {
		req.Header.Set(headerRaftSecret, rm.Secret)
	}

	resp, err := rm.httpClient.Do(req)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("Failed to forward request: %v", err))
		return
	}
	defer resp.Body.Close()

	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// Shutdown gracefully shuts down the Raft node.
func (rm *RaftManager) Shutdown() error {
	rm.shutdownOnce.Do(func() {
		close(rm.shutdownCh)
	})
	if rm.Raft == nil {
		rm.closeStores()
		return nil
	}

	if rm.IsLeader() {
		log.Printf("Attempting leadership transfer before shutdown...")
		done := make(chan error, 1)
		go func() { done <- rm.Raft.LeadershipTransfer().Error() }()
		select {
		case err := <-done:
			if err != nil {
				log.Printf("Leadership transfer failed (continuing): %v", err)
			}
		case <-time.After(5 * time.Second):
			log.Printf("Leadership transfer timed out (continuing).")
		}
	}

	raftErr := rm.Raft.Shutdown().Error()
	rm.closeStores()
	return raftErr
}

func (rm *RaftManager) closeStores() {
	if rm.transport != nil {
		rm.transport.Close()
		rm.transport = nil
	}
	if rm.logStore != nil {
		rm.logStore.Close()
		rm.logStore = nil
	}
	if rm.stableStore != nil {
		rm.stableStore.Close()
		rm.stableStore = nil
	}
}
