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
	"math"
	"slices"
	"time"
)

var (
	// ErrNotFound is returned when a card or transaction does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a card ID is already taken.
	ErrConflict = errors.New("already exists")
	// ErrLimitExceeded is returned when a wallet or card is full.
	ErrLimitExceeded = errors.New("limit exceeded")
)

// Transaction is a single purchase made with a card.
type Transaction struct {
	ID          string  `json:"id"`
	CardID      string  `json:"cardId"`
	Description string  `json:"description"`
	Location    string  `json:"location,omitempty"`
	Amount      float64 `json:"amount"`
	Date        string  `json:"date"`
}

// Card is a prepaid card and its transaction history.
type Card struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Number       string        `json:"number,omitempty"`
	PIN          string        `json:"pin,omitempty"`
	InitialValue float64       `json:"initialValue"`
	IsArchived   bool          `json:"isArchived"`
	CreatedAt    string        `json:"createdAt"`
	Transactions []Transaction `json:"transactions"`
}

func (c *Card) normalize() {
	if c.Transactions == nil {
		c.Transactions = make([]Transaction, 0)
	}
	for i := range c.Transactions {
		c.Transactions[i].CardID = c.ID
	}
	sortTransactions(c.Transactions)
}

// TotalSpent is the sum of all transaction amounts.
func (c *Card) TotalSpent() float64 {
	var sum float64
	for _, t := range c.Transactions {
		sum += t.Amount
	}
	return sum
}

// Balance is the initial value minus everything spent.
func (c *Card) Balance() float64 {
	return c.InitialValue - c.TotalSpent()
}

// UsagePercentage returns how much of the initial value has been spent, capped at 100.
func (c *Card) UsagePercentage() float64 {
	if c.InitialValue == 0 {
		return 0
	}
	return math.Min(c.TotalSpent()/c.InitialValue*100, 100)
}

// LastUsed describes how long ago the most recent transaction happened.
func (c *Card) LastUsed(now time.Time) string {
	if len(c.Transactions) == 0 {
		return "Never used"
	}
	last, err := time.Parse(time.RFC3339Nano, c.Transactions[len(c.Transactions)-1].Date)
	if err != nil {
		return "Unknown"
	}
	diff := now.Sub(last)
	if diff < 0 {
		diff = -diff
	}
	days := int(math.Ceil(diff.Hours() / 24))
	switch {
	case days <= 1:
		return "1 day ago"
	case days < 7:
		return fmt.Sprintf("%d days ago", days)
	case days < 30:
		return fmt.Sprintf("%d weeks ago", ceilDiv(days, 7))
	case days < 365:
		return fmt.Sprintf("%d months ago", ceilDiv(days, 30))
	default:
		return fmt.Sprintf("%d years ago", ceilDiv(days, 365))
	}
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Transaction returns the transaction with the given ID, or nil.
func (c *Card) Transaction(id string) *Transaction {
	for i := range c.Transactions {
		if c.Transactions[i].ID == id {
			return &c.Transactions[i]
		}
	}
	return nil
}

// sortTransactions orders transactions chronologically. Entries whose date
// cannot be parsed keep their relative position at the end.
func sortTransactions(txs []Transaction) {
	slices.SortStableFunc(txs, func(a, b Transaction) int {
		ta, errA := time.Parse(time.RFC3339Nano, a.Date)
		tb, errB := time.Parse(time.RFC3339Nano, b.Date)
		switch {
		case errA != nil && errB != nil:
			return 0
		case errA != nil:
			return 1
		case errB != nil:
			return -1
		}
		return ta.Compare(tb)
	})
}

// Wallet holds every card that belongs to one owner.
type Wallet struct {
	Owner         string `json:"owner"`
	SchemaVersion int    `json:"schemaVersion"`
	Cards         []Card `json:"cards"`
	UpdatedAt     int64  `json:"updatedAt,omitempty"`
	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

// NewWallet returns an empty wallet for owner.
func NewWallet(owner string) *Wallet {
	w := &Wallet{Owner: owner}
	w.normalize()
	return w
}

func (w *Wallet) normalize() {
	if w.SchemaVersion == 0 {
		w.SchemaVersion = CurrentSchemaVersion
	}
	if w.Cards == nil {
		w.Cards = make([]Card, 0)
	}
	for i := range w.Cards {
		w.Cards[i].normalize()
	}
}

// Card returns the card with the given ID, or nil.
func (w *Wallet) Card(id string) *Card {
	for i := range w.Cards {
		if w.Cards[i].ID == id {
			return &w.Cards[i]
		}
	}
	return nil
}

// ActiveCards returns the cards that are not archived, in insertion order.
func (w *Wallet) ActiveCards() []Card {
	return w.filter(false)
}

// ArchivedCards returns the archived cards, in insertion order.
func (w *Wallet) ArchivedCards() []Card {
	return w.filter(true)
}

func (w *Wallet) filter(archived bool) []Card {
	out := make([]Card, 0, len(w.Cards))
	for _, c := range w.Cards {
		if c.IsArchived == archived {
			out = append(out, c)
		}
	}
	return out
}

// CardUpdate carries a partial card update. Nil fields are left unchanged.
type CardUpdate struct {
	Name         *string  `json:"name,omitempty"`
	Number       *string  `json:"number,omitempty"`
	PIN          *string  `json:"pin,omitempty"`
	InitialValue *float64 `json:"initialValue,omitempty"`
}

// TransactionUpdate carries a partial transaction update.
type TransactionUpdate struct {
	Description *string  `json:"description,omitempty"`
	Location    *string  `json:"location,omitempty"`
	Amount      *float64 `json:"amount,omitempty"`
}

func (w *Wallet) addCard(c Card) error {
	if w.Card(c.ID) != nil {
		return fmt.Errorf("card %s: %w", c.ID, ErrConflict)
	}
	if len(w.Cards) >= MaxCardsPerWallet {
		return fmt.Errorf("wallet holds %d cards: %w", MaxCardsPerWallet, ErrLimitExceeded)
	}
	c.Transactions = slices.Clone(c.Transactions)
	c.normalize()
	w.Cards = append(w.Cards, c)
	return nil
}

func (w *Wallet) updateCard(id string, u CardUpdate) error {
	c := w.Card(id)
	if c == nil {
		return fmt.Errorf("card %s: %w", id, ErrNotFound)
	}
	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.Number != nil {
		c.Number = *u.Number
	}
	if u.PIN != nil {
		c.PIN = *u.PIN
	}
	if u.InitialValue != nil {
		c.InitialValue = *u.InitialValue
	}
	return nil
}

func (w *Wallet) setArchived(id string, archived bool) error {
	c := w.Card(id)
	if c == nil {
		return fmt.Errorf("card %s: %w", id, ErrNotFound)
	}
	c.IsArchived = archived
	return nil
}

func (w *Wallet) deleteCard(id string) error {
	idx := slices.IndexFunc(w.Cards, func(c Card) bool { return c.ID == id })
	if idx == -1 {
		return fmt.Errorf("card %s: %w", id, ErrNotFound)
	}
	w.Cards = slices.Delete(w.Cards, idx, idx+1)
	return nil
}

func (w *Wallet) addTransaction(t Transaction) error {
	c := w.Card(t.CardID)
	if c == nil {
		return fmt.Errorf("card %s: %w", t.CardID, ErrNotFound)
	}
	if len(c.Transactions) >= MaxTransactionsPerCard {
		return fmt.Errorf("card %s holds %d transactions: %w", c.ID, MaxTransactionsPerCard, ErrLimitExceeded)
	}
	c.Transactions = append(c.Transactions, t)
	sortTransactions(c.Transactions)
	return nil
}

func (w *Wallet) updateTransaction(cardID, txID string, u TransactionUpdate) error {
	c := w.Card(cardID)
	if c == nil {
		return fmt.Errorf("card %s: %w", cardID, ErrNotFound)
	}
	t := c.Transaction(txID)
	if t == nil {
		return fmt.Errorf("transaction %s: %w", txID, ErrNotFound)
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.Location != nil {
		t.Location = *u.Location
	}
	if u.Amount != nil {
		t.Amount = *u.Amount
	}
	return nil
}

func (w *Wallet) deleteTransaction(cardID, txID string) error {
	c := w.Card(cardID)
	if c == nil {
		return fmt.Errorf("card %s: %w", cardID, ErrNotFound)
	}
	idx := slices.IndexFunc(c.Transactions, func(t Transaction) bool { return t.ID == txID })
	if idx == -1 {
		return fmt.Errorf("transaction %s: %w", txID, ErrNotFound)
	}
	c.Transactions = slices.Delete(c.Transactions, idx, idx+1)
	return nil
}

func (w *Wallet) replaceAll(cards []Card) {
	w.Cards = make([]Card, len(cards))
	for i, c := range cards {
		c.Transactions = slices.Clone(c.Transactions)
		w.Cards[i] = c
	}
	w.normalize()
}
