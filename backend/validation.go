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
	"encoding/json"
	"fmt"
	"math"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// uuidRegex is a regex for standard UUIDs (8-4-4-4-12 hex digits)
var uuidRegex = regexp.MustCompile(`^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$`)

// isValidUUID checks if the string is a valid UUID.
func isValidUUID(id string) bool {
	return uuidRegex.MatchString(id)
}

// isValidEmail checks if the string is a valid email address.
func isValidEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

// isValidOwner accepts authenticated users and the local wallet.
func isValidOwner(owner string) bool {
	return owner == LocalOwner || isValidEmail(owner)
}

// FieldProblem describes one invalid field.
type FieldProblem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError collects every problem found in an input.
type ValidationError struct {
	Problems []FieldProblem
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Path+": "+p.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(path, format string, args ...any) {
	e.Problems = append(e.Problems, FieldProblem{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) orNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

func checkLen(v *ValidationError, path, s string, max int) {
	if utf8.RuneCountInString(s) > max {
		v.add(path, "must be at most %d characters", max)
	}
}

func checkFinite(v *ValidationError, path string, f float64) bool {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		v.add(path, "must be a number")
		return false
	}
	return true
}

// CardInput is the body of a create-card request.
type CardInput struct {
	Name         string  `json:"name"`
	Number       string  `json:"number,omitempty"`
	PIN          string  `json:"pin,omitempty"`
	InitialValue float64 `json:"initialValue"`
}

// Normalize trims surrounding whitespace from every text field.
func (in *CardInput) Normalize() {
	in.Name = strings.TrimSpace(in.Name)
	in.Number = strings.TrimSpace(in.Number)
	in.PIN = strings.TrimSpace(in.PIN)
}

// Validate checks the input against the card schema.
func (in CardInput) Validate() error {
	v := &ValidationError{}
	validateCardFields(v, "", in.Name, in.Number, in.PIN, in.InitialValue)
	return v.orNil()
}

func validateCardFields(v *ValidationError, prefix, name, number, pin string, initialValue float64) {
	if strings.TrimSpace(name) == "" {
		v.add(prefix+"name", "Card name is required")
	}
	checkLen(v, prefix+"name", name, MaxCardNameLen)
	checkLen(v, prefix+"number", number, MaxCardNumberLen)
	checkLen(v, prefix+"pin", pin, MaxCardPINLen)
	if checkFinite(v, prefix+"initialValue", initialValue) && initialValue < 0 {
		v.add(prefix+"initialValue", "Initial value must be positive")
	}
}

// Normalize trims text fields of the update.
func (u *CardUpdate) Normalize() {
	for _, p := range []*string{u.Name, u.Number, u.PIN} {
		if p != nil {
			*p = strings.TrimSpace(*p)
		}
	}
}

// Validate checks the fields that are present in the update.
func (u CardUpdate) Validate() error {
	v := &ValidationError{}
	if u.Name == nil && u.Number == nil && u.PIN == nil && u.InitialValue == nil {
		v.add("", "no fields to update")
	}
	if u.Name != nil {
		if *u.Name == "" {
			v.add("name", "Card name is required")
		}
		checkLen(v, "name", *u.Name, MaxCardNameLen)
	}
	if u.Number != nil {
		checkLen(v, "number", *u.Number, MaxCardNumberLen)
	}
	if u.PIN != nil {
		checkLen(v, "pin", *u.PIN, MaxCardPINLen)
	}
	if u.InitialValue != nil {
		if checkFinite(v, "initialValue", *u.InitialValue) && *u.InitialValue < 0 {
			v.add("initialValue", "Initial value must be positive")
		}
	}
	return v.orNil()
}

// TransactionInput is the body of an add-transaction request.
type TransactionInput struct {
	Description string  `json:"description"`
	Location    string  `json:"location,omitempty"`
	Amount      float64 `json:"amount"`
}

// Normalize trims text fields of the input.
func (in *TransactionInput) Normalize() {
	in.Description = strings.TrimSpace(in.Description)
	in.Location = strings.TrimSpace(in.Location)
}

// Validate checks the input against the transaction schema.
func (in TransactionInput) Validate() error {
	v := &ValidationError{}
	validateTransactionFields(v, "", in.Description, in.Location, in.Amount)
	return v.orNil()
}

func validateTransactionFields(v *ValidationError, prefix, description, location string, amount float64) {
	if strings.TrimSpace(description) == "" {
		v.add(prefix+"description", "Description is required")
	}
	checkLen(v, prefix+"description", description, MaxDescriptionLen)
	checkLen(v, prefix+"location", location, MaxLocationLen)
	if checkFinite(v, prefix+"amount", amount) && amount < MinTransactionAmount {
		v.add(prefix+"amount", "Amount must be greater than 0")
	}
}

// Normalize trims text fields of the update.
func (u *TransactionUpdate) Normalize() {
	for _, p := range []*string{u.Description, u.Location} {
		if p != nil {
			*p = strings.TrimSpace(*p)
		}
	}
}

// Validate checks the fields that are present in the update.
func (u TransactionUpdate) Validate() error {
	v := &ValidationError{}
	if u.Description == nil && u.Location == nil && u.Amount == nil {
		v.add("", "no fields to update")
	}
	if u.Description != nil {
		if *u.Description == "" {
			v.add("description", "Description is required")
		}
		checkLen(v, "description", *u.Description, MaxDescriptionLen)
	}
	if u.Location != nil {
		checkLen(v, "location", *u.Location, MaxLocationLen)
	}
	if u.Amount != nil {
		if checkFinite(v, "amount", *u.Amount) && *u.Amount < MinTransactionAmount {
			v.add("amount", "Amount must be greater than 0")
		}
	}
	return v.orNil()
}

// UploadDocument is the format produced by the download endpoint and
// accepted by the upload endpoint.
type UploadDocument struct {
	Cards []Card `json:"cards"`
}

// ParseUploadDocument decodes and validates an uploaded backup. Every card
// must carry its full stored shape; unknown fields are ignored.
func ParseUploadDocument(data []byte) (*UploadDocument, error) {
	var raw struct {
		Cards []json.RawMessage `json:"cards"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	v := &ValidationError{}
	if raw.Cards == nil {
		v.add("cards", "Required")
		return nil, v
	}
	if len(raw.Cards) > MaxCardsPerWallet {
		v.add("cards", "must contain at most %d cards", MaxCardsPerWallet)
		return nil, v
	}

	doc := &UploadDocument{Cards: make([]Card, 0, len(raw.Cards))}
	seen := make(map[string]bool, len(raw.Cards))
	for i, rc := range raw.Cards {
		prefix := fmt.Sprintf("cards.%d.", i)
		card, ok := parseUploadedCard(v, prefix, rc)
		if !ok {
			continue
		}
		id := strings.ToLower(card.ID)
		if seen[id] {
			v.add(prefix+"id", "Duplicate card ID")
			continue
		}
		seen[id] = true
		doc.Cards = append(doc.Cards, card)
	}
	if err := v.orNil(); err != nil {
		return nil, err
	}
	return doc, nil
}

func parseUploadedCard(v *ValidationError, prefix string, data json.RawMessage) (Card, bool) {
	before := len(v.Problems)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		v.add(strings.TrimSuffix(prefix, "."), "Expected object")
		return Card{}, false
	}
	for _, required := range []string{"id", "name", "initialValue", "createdAt", "transactions", "isArchived"} {
		if _, ok := fields[required]; !ok {
			v.add(prefix+required, "Required")
		}
	}
	var c Card
	if err := json.Unmarshal(data, &c); err != nil {
		v.add(strings.TrimSuffix(prefix, "."), "Invalid card: %v", err)
		return Card{}, false
	}
	if _, ok := fields["id"]; ok && !isValidUUID(c.ID) {
		v.add(prefix+"id", "must be a UUID")
	}
	validateCardFields(v, prefix, c.Name, c.Number, c.PIN, c.InitialValue)
	if c.CreatedAt != "" {
		if _, err := time.Parse(time.RFC3339Nano, c.CreatedAt); err != nil {
			v.add(prefix+"createdAt", "must be an RFC3339 timestamp")
		}
	}
	if len(c.Transactions) > MaxTransactionsPerCard {
		v.add(prefix+"transactions", "must contain at most %d transactions", MaxTransactionsPerCard)
	}
	seen := make(map[string]bool, len(c.Transactions))
	for j, t := range c.Transactions {
		tp := fmt.Sprintf("%stransactions.%d.", prefix, j)
		switch {
		case !isValidUUID(t.ID):
			v.add(tp+"id", "must be a UUID")
		case seen[strings.ToLower(t.ID)]:
			v.add(tp+"id", "Duplicate transaction ID")
		}
		seen[strings.ToLower(t.ID)] = true
		if _, err := time.Parse(time.RFC3339Nano, t.Date); err != nil {
			v.add(tp+"date", "must be an RFC3339 timestamp")
		}
		validateTransactionFields(v, tp, t.Description, t.Location, t.Amount)
	}
	return c, len(v.Problems) == before
}
