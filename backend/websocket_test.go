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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialWS(t *testing.T, ts *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	header := http.Header{}
	if user != "" {
		header.Set("Cookie", MockAuthCookie+"="+user)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("Dial: %v (resp %v)", err, resp)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return msg
}

func TestWebSocketHelloAndUpdates(t *testing.T) {
	ts, s := testServer(t, Options{})
	const user = "ivan@example.com"

	s.Service().AddCard(user, CardInput{Name: "Before", InitialValue: 1})
	w, _ := s.Service().Wallet(user)

	conn := dialWS(t, ts, user)
	hello := readMsg(t, conn)
	if hello.Type != MsgTypeHello || hello.Owner != user || hello.UpdatedAt != w.UpdatedAt {
		t.Fatalf("hello = %+v, want updatedAt %d", hello, w.UpdatedAt)
	}

	var created CardView
	call(t, ts, user, "POST", "/api/cards", CardInput{Name: "After", InitialValue: 2}, &created)
	update := readMsg(t, conn)
	if update.Type != MsgTypeWalletUpdate || update.Owner != user || update.UpdatedAt == 0 {
		t.Errorf("update = %+v", update)
	}

	if err := conn.WriteJSON(Message{Type: MsgTypePing}); err != nil {
		t.Fatal(err)
	}
	if msg := readMsg(t, conn); msg.Type != MsgTypePong {
		t.Errorf("reply to PING = %+v", msg)
	}
	if err := conn.WriteJSON(Message{Type: "BOGUS"}); err != nil {
		t.Fatal(err)
	}
	if msg := readMsg(t, conn); msg.Type != MsgTypeError || msg.Error == "" {
		t.Errorf("reply to unknown type = %+v", msg)
	}
}

func TestWebSocketOwnersAreIsolated(t *testing.T) {
	ts, _ := testServer(t, Options{})
	judy := dialWS(t, ts, "judy@example.com")
	readMsg(t, judy)
	anon := dialWS(t, ts, "")
	if hello := readMsg(t, anon); hello.Owner != LocalOwner {
		t.Errorf("anonymous hello = %+v", hello)
	}

	call(t, ts, "", "POST", "/api/cards", CardInput{Name: "Local", InitialValue: 1}, nil)
	if msg := readMsg(t, anon); msg.Type != MsgTypeWalletUpdate {
		t.Errorf("local update = %+v", msg)
	}

	judy.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var msg Message
	if err := judy.ReadJSON(&msg); err == nil {
		t.Errorf("judy received %+v for another wallet", msg)
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	ts, _ := testServer(t, Options{})
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		conn.Close()
		t.Fatal("Dial succeeded from a foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("resp = %v", resp)
	}
}

func TestHubManagerConnectionCount(t *testing.T) {
	ts, s := testServer(t, Options{})
	c1 := dialWS(t, ts, "kim@example.com")
	readMsg(t, c1)
	c2 := dialWS(t, ts, "kim@example.com")
	readMsg(t, c2)

	if n := s.hubs.ConnectionCount(); n != 2 {
		t.Errorf("ConnectionCount() = %d, want 2", n)
	}
	c1.Close()
	deadline := time.Now().Add(5 * time.Second)
	for s.hubs.ConnectionCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("ConnectionCount() = %d after close, want 1", s.hubs.ConnectionCount())
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Notify never blocks, even for owners without a hub.
	s.hubs.Notify("nobody@example.com", 1)
}
