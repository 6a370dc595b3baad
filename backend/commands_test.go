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
	"errors"
	"testing"
)

func TestApplyCommands(t *testing.T) {
	name := "Gas"
	amount := 7.5
	card := cardWithSpend(40)
	tx := Transaction{ID: testTxID, CardID: testCardID, Description: "Fill up", Amount: 12, Date: "2025-02-01T00:00:00Z"}

	tests := []struct {
		name  string
		cmd   Command
		check func(t *testing.T, w *Wallet)
	}{
		{
			name: "ADD_CARD",
			cmd:  Command{Type: CmdAddCard, Card: &card},
			check: func(t *testing.T, w *Wallet) {
				if w.Card(testCardID) == nil {
					t.Error("card not added")
				}
			},
		},
		{
			name: "UPDATE_CARD",
			cmd:  Command{Type: CmdUpdateCard, CardID: testCardID, CardUpdate: &CardUpdate{Name: &name}},
			check: func(t *testing.T, w *Wallet) {
				if got := w.Card(testCardID).Name; got != name {
					t.Errorf("name = %q", got)
				}
			},
		},
		{
			name: "ARCHIVE_CARD",
			cmd:  Command{Type: CmdArchiveCard, CardID: testCardID},
			check: func(t *testing.T, w *Wallet) {
				if !w.Card(testCardID).IsArchived {
					t.Error("card not archived")
				}
			},
		},
		{
			name: "UNARCHIVE_CARD",
			cmd:  Command{Type: CmdUnarchiveCard, CardID: testCardID},
			check: func(t *testing.T, w *Wallet) {
				if w.Card(testCardID).IsArchived {
					t.Error("card still archived")
				}
			},
		},
		{
			name: "ADD_TRANSACTION",
			cmd:  Command{Type: CmdAddTransaction, CardID: testCardID, Transaction: &tx},
			check: func(t *testing.T, w *Wallet) {
				if got := w.Card(testCardID).Balance(); got != 28 {
					t.Errorf("balance = %v, want 28", got)
				}
			},
		},
		{
			name: "UPDATE_TRANSACTION",
			cmd:  Command{Type: CmdUpdateTransaction, CardID: testCardID, TransactionID: testTxID, TransactionUpdate: &TransactionUpdate{Amount: &amount}},
			check: func(t *testing.T, w *Wallet) {
				if got := w.Card(testCardID).Balance(); got != 32.5 {
					t.Errorf("balance = %v, want 32.5", got)
				}
			},
		},
		{
			name: "DELETE_TRANSACTION",
			cmd:  Command{Type: CmdDeleteTransaction, CardID: testCardID, TransactionID: testTxID},
			check: func(t *testing.T, w *Wallet) {
				if n := len(w.Card(testCardID).Transactions); n != 0 {
					t.Errorf("%d transactions left", n)
				}
			},
		},
		{
			name: "DELETE_CARD",
			cmd:  Command{Type: CmdDeleteCard, CardID: testCardID},
			check: func(t *testing.T, w *Wallet) {
				if len(w.Cards) != 0 {
					t.Errorf("%d cards left", len(w.Cards))
				}
			},
		},
	}

	// Each case builds on the wallet left by the previous one.
	w := NewWallet(testOwner)
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cmd.Owner = testOwner
			tt.cmd.At = int64(1000 + i)
			if err := w.Apply(tt.cmd); err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if w.UpdatedAt != tt.cmd.At {
				t.Errorf("UpdatedAt = %d, want %d", w.UpdatedAt, tt.cmd.At)
			}
			tt.check(t, w)
		})
	}
}

func TestApplyRejects(t *testing.T) {
	base := func() *Wallet {
		w := NewWallet(testOwner)
		w.addCard(cardWithSpend(10))
		w.UpdatedAt = 5
		return w
	}
	other := cardWithSpend(10)
	other.ID = testUUID(42)

	tests := []struct {
		name    string
		cmd     Command
		wantErr error
	}{
		{"Wrong owner", Command{Type: CmdDeleteCard, Owner: "other@example.com", CardID: testCardID}, nil},
		{"Unknown type", Command{Type: "NOPE", Owner: testOwner}, nil},
		{"Missing card", Command{Type: CmdAddCard, Owner: testOwner}, nil},
		{"Unknown card", Command{Type: CmdArchiveCard, Owner: testOwner, CardID: testUUID(9)}, ErrNotFound},
		{"Import conflict", Command{Type: CmdImportCards, Owner: testOwner, Cards: []Card{other, cardWithSpend(1)}}, ErrConflict},
		{"Import duplicate IDs", Command{Type: CmdImportCards, Owner: testOwner, Cards: []Card{other, other}}, ErrConflict},
		{"Replace duplicate IDs", Command{Type: CmdReplaceCards, Owner: testOwner, Cards: []Card{other, other}}, ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := base()
			before, _ := json.Marshal(w)
			tt.cmd.At = 99
			err := w.Apply(tt.cmd)
			if err == nil {
				t.Fatal("Apply succeeded, want error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Apply error = %v, want %v", err, tt.wantErr)
			}
			after, _ := json.Marshal(w)
			if string(before) != string(after) {
				t.Errorf("wallet changed on error:\nbefore %s\nafter  %s", before, after)
			}
		})
	}
}

func TestApplyImportAndReplace(t *testing.T) {
	w := NewWallet(testOwner)
	w.addCard(cardWithSpend(10))

	a, b := cardWithSpend(20, 5), cardWithSpend(30)
	a.ID, b.ID = testUUID(1), testUUID(2)

	if err := w.Apply(Command{Type: CmdImportCards, Owner: testOwner, Cards: []Card{a, b}, At: 10}); err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(w.Cards) != 3 || w.Cards[1].ID != a.ID || w.Cards[2].ID != b.ID {
		t.Fatalf("import order wrong: %+v", w.Cards)
	}
	if w.Cards[1].Transactions[0].CardID != a.ID {
		t.Errorf("imported transaction not linked to its card")
	}

	if err := w.Apply(Command{Type: CmdReplaceCards, Owner: testOwner, Cards: []Card{b}, At: 11}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(w.Cards) != 1 || w.Cards[0].ID != b.ID {
		t.Errorf("replace result = %+v", w.Cards)
	}

	if err := w.Apply(Command{Type: CmdReplaceCards, Owner: testOwner, At: 12}); err != nil {
		t.Fatalf("replace with nothing: %v", err)
	}
	if w.Cards == nil || len(w.Cards) != 0 {
		t.Errorf("replace with nothing left %v", w.Cards)
	}
}

func TestCommandRoundTripIsDeterministic(t *testing.T) {
	card := cardWithSpend(15, 3)
	cmd := Command{Type: CmdAddCard, Owner: testOwner, CardID: card.ID, Card: &card, At: 1234}
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Command
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	w1, w2 := NewWallet(testOwner), NewWallet(testOwner)
	if err := w1.Apply(cmd); err != nil {
		t.Fatal(err)
	}
	if err := w2.Apply(decoded); err != nil {
		t.Fatal(err)
	}
	j1, _ := json.Marshal(w1)
	j2, _ := json.Marshal(w2)
	if string(j1) != string(j2) {
		t.Errorf("replayed command produced a different wallet:\n%s\n%s", j1, j2)
	}
	if cmd.IsWalletCommand() != true || (Command{Type: CmdRegisterNode}).IsWalletCommand() {
		t.Error("IsWalletCommand misclassifies commands")
	}
}
