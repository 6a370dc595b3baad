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
	"strings"
	"testing"
)

func problemPaths(t *testing.T, err error) map[string]string {
	t.Helper()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	out := make(map[string]string)
	for _, p := range verr.Problems {
		out[p.Path] = p.Message
	}
	return out
}

func TestIsValidUUID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"Valid UUID", "123e4567-e89b-12d3-a456-426614174000", true},
		{"Valid UUID Uppercase", "123E4567-E89B-12D3-A456-426614174000", true},
		{"Empty", "", false},
		{"Too Short", "123e4567-e89b-12d3-a456-42661417400", false},
		{"Invalid Chars", "123e4567-e89b-12d3-a456-42661417400g", false},
		{"Missing Hyphens", "123e4567e89b12d3a456426614174000", false},
		{"Path Traversal", "../../etc/passwd", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidUUID(tt.input); got != tt.want {
				t.Errorf("isValidUUID(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestIsValidOwner(t *testing.T) {
	for owner, want := range map[string]bool{
		"user@example.com": true,
		LocalOwner:         true,
		"":                 false,
		"not-an-email":     false,
		"../wallets":       false,
	} {
		if got := isValidOwner(owner); got != want {
			t.Errorf("isValidOwner(%q) = %v, want %v", owner, got, want)
		}
	}
}

func TestCardInputValidate(t *testing.T) {
	tests := []struct {
		name  string
		input CardInput
		want  map[string]string
	}{
		{"Valid", CardInput{Name: "Coffee", InitialValue: 25}, nil},
		{"Zero value", CardInput{Name: "Coffee"}, nil},
		{"Missing name", CardInput{Name: "  ", InitialValue: 5}, map[string]string{"name": "Card name is required"}},
		{"Negative value", CardInput{Name: "Coffee", InitialValue: -1}, map[string]string{"initialValue": "Initial value must be positive"}},
		{"NaN value", CardInput{Name: "Coffee", InitialValue: math.NaN()}, map[string]string{"initialValue": "must be a number"}},
		{
			"Several problems",
			CardInput{Number: strings.Repeat("1", MaxCardNumberLen+1), InitialValue: -3},
			map[string]string{
				"name":         "Card name is required",
				"number":       fmt.Sprintf("must be at most %d characters", MaxCardNumberLen),
				"initialValue": "Initial value must be positive",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.input.Validate()
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			got := problemPaths(t, err)
			for path, msg := range tt.want {
				if got[path] != msg {
					t.Errorf("%s: got %q, want %q", path, got[path], msg)
				}
			}
			if len(got) != len(tt.want) {
				t.Errorf("problems = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCardInputNormalize(t *testing.T) {
	in := CardInput{Name: "  Coffee ", Number: " 1234 ", PIN: "\t42\n"}
	in.Normalize()
	if in.Name != "Coffee" || in.Number != "1234" || in.PIN != "42" {
		t.Errorf("Normalize() = %+v", in)
	}
}

func TestCardUpdateValidate(t *testing.T) {
	empty, name, neg := "", "Gas", -5.0
	tests := []struct {
		name   string
		update CardUpdate
		path   string
	}{
		{"Nothing to update", CardUpdate{}, ""},
		{"Empty name", CardUpdate{Name: &empty}, "name"},
		{"Negative value", CardUpdate{InitialValue: &neg}, "initialValue"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := problemPaths(t, tt.update.Validate())
			if _, ok := got[tt.path]; !ok {
				t.Errorf("problems = %v, want one at %q", got, tt.path)
			}
		})
	}
	if err := (CardUpdate{Name: &name}).Validate(); err != nil {
		t.Errorf("valid update: %v", err)
	}
}

func TestTransactionValidate(t *testing.T) {
	zero, desc := 0.0, "Refill"
	tests := []struct {
		name string
		err  error
		want map[string]string
	}{
		{"Valid", TransactionInput{Description: "Latte", Amount: 4.5}.Validate(), nil},
		{"Missing description", TransactionInput{Amount: 1}.Validate(), map[string]string{"description": "Description is required"}},
		{"Zero amount", TransactionInput{Description: "Latte"}.Validate(), map[string]string{"amount": "Amount must be greater than 0"}},
		{"Update nothing", TransactionUpdate{}.Validate(), map[string]string{"": "no fields to update"}},
		{"Update zero amount", TransactionUpdate{Amount: &zero}.Validate(), map[string]string{"amount": "Amount must be greater than 0"}},
		{"Update description", TransactionUpdate{Description: &desc}.Validate(), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.want == nil {
				if tt.err != nil {
					t.Fatalf("Validate() = %v, want nil", tt.err)
				}
				return
			}
			got := problemPaths(t, tt.err)
			for path, msg := range tt.want {
				if got[path] != msg {
					t.Errorf("%q: got %q, want %q", path, got[path], msg)
				}
			}
		})
	}
}

func TestParseUploadDocument(t *testing.T) {
	const validCard = `{"id":"0b7e4c2a-5d1f-4e8a-9c3b-2f6a8d4e1c70","name":"Coffee","initialValue":20,"createdAt":"2025-01-01T00:00:00Z","isArchived":false,
		"transactions":[{"id":"9d3f1a6b-2c8e-4b7d-a5f0-1e4c7b9a2d36","description":"Latte","amount":4,"date":"2025-01-02T00:00:00Z"}]}`

	t.Run("Valid", func(t *testing.T) {
		doc, err := ParseUploadDocument([]byte(`{"cards":[` + validCard + `],"extra":true}`))
		if err != nil {
			t.Fatalf("ParseUploadDocument: %v", err)
		}
		if len(doc.Cards) != 1 || doc.Cards[0].Transactions[0].Amount != 4 {
			t.Errorf("doc = %+v", doc)
		}
	})

	t.Run("Empty list", func(t *testing.T) {
		doc, err := ParseUploadDocument([]byte(`{"cards":[]}`))
		if err != nil || len(doc.Cards) != 0 {
			t.Errorf("doc=%+v err=%v", doc, err)
		}
	})

	t.Run("Invalid JSON", func(t *testing.T) {
		_, err := ParseUploadDocument([]byte(`{"cards":`))
		var verr *ValidationError
		if err == nil || errors.As(err, &verr) {
			t.Errorf("error = %v, want a non-validation error", err)
		}
	})

	tests := []struct {
		name string
		body string
		path string
	}{
		{"Missing cards", `{}`, "cards"},
		{"Card not an object", `{"cards":[1]}`, "cards.0"},
		{"Missing isArchived", `{"cards":[{"id":"0b7e4c2a-5d1f-4e8a-9c3b-2f6a8d4e1c70","name":"A","initialValue":1,"createdAt":"2025-01-01T00:00:00Z","transactions":[]}]}`, "cards.0.isArchived"},
		{"Negative value", `{"cards":[` + strings.Replace(validCard, `"initialValue":20`, `"initialValue":-2`, 1) + `]}`, "cards.0.initialValue"},
		{"Bad createdAt", `{"cards":[` + strings.Replace(validCard, `"createdAt":"2025-01-01T00:00:00Z"`, `"createdAt":"yesterday"`, 1) + `]}`, "cards.0.createdAt"},
		{"Bad transaction amount", `{"cards":[` + validCard + `,` + strings.Replace(validCard, `"amount":4`, `"amount":0`, 1) + `]}`, "cards.1.transactions.0.amount"},
		{"Card ID not a UUID", `{"cards":[` + strings.Replace(validCard, `"id":"0b7e4c2a-5d1f-4e8a-9c3b-2f6a8d4e1c70"`, `"id":"card-1"`, 1) + `]}`, "cards.0.id"},
		{"Transaction ID not a UUID", `{"cards":[` + strings.Replace(validCard, `"id":"9d3f1a6b-2c8e-4b7d-a5f0-1e4c7b9a2d36"`, `"id":"tx-1"`, 1) + `]}`, "cards.0.transactions.0.id"},
		{"Duplicate card ID", `{"cards":[` + validCard + `,` + validCard + `]}`, "cards.1.id"},
		{"Duplicate transaction ID", `{"cards":[` + strings.Replace(validCard, `"transactions":[{`, `"transactions":[{"id":"9d3f1a6b-2c8e-4b7d-a5f0-1e4c7b9a2d36","description":"Muffin","amount":3,"date":"2025-01-02T00:00:00Z"},{`, 1) + `]}`, "cards.0.transactions.1.id"},
		{"Missing transaction description", `{"cards":[` + strings.Replace(validCard, `"description":"Latte",`, ``, 1) + `]}`, "cards.0.transactions.0.description"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseUploadDocument([]byte(tt.body))
			got := problemPaths(t, err)
			if _, ok := got[tt.path]; !ok {
				t.Errorf("problems = %v, want one at %q", got, tt.path)
			}
		})
	}
}
