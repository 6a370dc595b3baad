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
	"time"

	"github.com/google/uuid"
)

// ErrInvalidMode is returned for an unknown upload mode.
var ErrInvalidMode = errors.New("invalid upload mode")

// Service turns API requests into wallet commands. In standalone mode it
// applies them directly to the store. In cluster mode it proposes them
// through Raft and the FSM applies them on every node.
type Service struct {
	Store *WalletStore
	Hubs  *HubManager
	Raft  *RaftManager

	now   func() time.Time
	newID func() string
}

// NewService creates a new Service. rm may be nil.
func NewService(store *WalletStore, hubs *HubManager, rm *RaftManager) *Service {
	return &Service{
		Store: store,
		Hubs:  hubs,
		Raft:  rm,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Wallet returns the current wallet of owner.
func (s *Service) Wallet(owner string) (*Wallet, error) {
	return s.Store.LoadWallet(owner)
}

// Execute applies cmd and returns the resulting wallet.
func (s *Service) Execute(cmd Command) (*Wallet, error) {
	if cmd.At == 0 {
		cmd.At = s.now().UnixMilli()
	}
	if s.Raft != nil {
		return s.Raft.Propose(cmd)
	}
	w, err := s.Store.Update(cmd.Owner, func(w *Wallet) error {
		return w.Apply(cmd)
	})
	if err != nil {
		return nil, err
	}
	if s.Hubs != nil {
		s.Hubs.Notify(cmd.Owner, w.UpdatedAt)
	}
	return w, nil
}

func (s *Service) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func cardFrom(w *Wallet, id string) (*Card, error) {
	if w == nil {
		return nil, fmt.Errorf("card %s: %w", id, ErrNotFound)
	}
	c := w.Card(id)
	if c == nil {
		return nil, fmt.Errorf("card %s: %w", id, ErrNotFound)
	}
	return c, nil
}

// AddCard creates a new active card with no transactions.
func (s *Service) AddCard(owner string, in CardInput) (*Card, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}
	card := &Card{
		ID:           s.newID(),
		Name:         in.Name,
		Number:       in.Number,
		PIN:          in.PIN,
		InitialValue: in.InitialValue,
		CreatedAt:    s.timestamp(),
		Transactions: []Transaction{},
	}
	w, err := s.Execute(Command{Type: CmdAddCard, Owner: owner, CardID: card.ID, Card: card})
	if err != nil {
		return nil, err
	}
	return cardFrom(w, card.ID)
}

// UpdateCard applies a partial update to a card.
func (s *Service) UpdateCard(owner, id string, u CardUpdate) (*Card, error) {
	u.Normalize()
	if err := u.Validate(); err != nil {
		return nil, err
	}
	w, err := s.Execute(Command{Type: CmdUpdateCard, Owner: owner, CardID: id, CardUpdate: &u})
	if err != nil {
		return nil, err
	}
	return cardFrom(w, id)
}

// SetArchived archives or restores a card.
func (s *Service) SetArchived(owner, id string, archived bool) (*Card, error) {
	cmdType := CmdUnarchiveCard
	if archived {
		cmdType = CmdArchiveCard
	}
	w, err := s.Execute(Command{Type: cmdType, Owner: owner, CardID: id})
	if err != nil {
		return nil, err
	}
	return cardFrom(w, id)
}

// DeleteCard removes a card and its history.
func (s *Service) DeleteCard(owner, id string) error {
	_, err := s.Execute(Command{Type: CmdDeleteCard, Owner: owner, CardID: id})
	return err
}

// AddTransaction records a purchase made with the card.
func (s *Service) AddTransaction(owner, cardID string, in TransactionInput) (*Transaction, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return nil, err
	}
	t := &Transaction{
		ID:          s.newID(),
		CardID:      cardID,
		Description: in.Description,
		Location:    in.Location,
		Amount:      in.Amount,
		Date:        s.timestamp(),
	}
	w, err := s.Execute(Command{Type: CmdAddTransaction, Owner: owner, CardID: cardID, TransactionID: t.ID, Transaction: t})
	if err != nil {
		return nil, err
	}
	return transactionFrom(w, cardID, t.ID)
}

// UpdateTransaction applies a partial update to a transaction.
func (s *Service) UpdateTransaction(owner, cardID, txID string, u TransactionUpdate) (*Transaction, error) {
	u.Normalize()
	if err := u.Validate(); err != nil {
		return nil, err
	}
	w, err := s.Execute(Command{Type: CmdUpdateTransaction, Owner: owner, CardID: cardID, TransactionID: txID, TransactionUpdate: &u})
	if err != nil {
		return nil, err
	}
	return transactionFrom(w, cardID, txID)
}

func transactionFrom(w *Wallet, cardID, txID string) (*Transaction, error) {
	c, err := cardFrom(w, cardID)
	if err != nil {
		return nil, err
	}
	t := c.Transaction(txID)
	if t == nil {
		return nil, fmt.Errorf("transaction %s: %w", txID, ErrNotFound)
	}
	return t, nil
}

// DeleteTransaction removes a transaction from a card.
func (s *Service) DeleteTransaction(owner, cardID, txID string) error {
	_, err := s.Execute(Command{Type: CmdDeleteTransaction, Owner: owner, CardID: cardID, TransactionID: txID})
	return err
}

// Import loads uploaded cards into the wallet of owner. In add mode every
// card becomes a new active card with fresh IDs and its transactions are
// re-added with fresh IDs. In replace mode the wallet becomes exactly the
// uploaded cards.
func (s *Service) Import(owner, mode string, cards []Card) (*Wallet, error) {
	switch mode {
	case UploadModeReplace:
		return s.Execute(Command{Type: CmdReplaceCards, Owner: owner, Cards: cards})
	case UploadModeAdd:
		created := s.timestamp()
		fresh := make([]Card, 0, len(cards))
		for _, c := range cards {
			nc := Card{
				ID:           s.newID(),
				Name:         c.Name,
				Number:       c.Number,
				PIN:          c.PIN,
				InitialValue: c.InitialValue,
				CreatedAt:    created,
				Transactions: make([]Transaction, 0, len(c.Transactions)),
			}
			for _, t := range c.Transactions {
				t.ID = s.newID()
				t.CardID = nc.ID
				nc.Transactions = append(nc.Transactions, t)
			}
			fresh = append(fresh, nc)
		}
		return s.Execute(Command{Type: CmdImportCards, Owner: owner, Cards: fresh})
	default:
		return nil, ErrInvalidMode
	}
}
