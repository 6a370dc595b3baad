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
	"log"
	"net/http"
	"time"
)

// CardView is a card plus the values the UI derives from it.
type CardView struct {
	Card
	TotalSpent      float64 `json:"totalSpent"`
	Balance         float64 `json:"balance"`
	UsagePercentage float64 `json:"usagePercentage"`
	LastUsed        string  `json:"lastUsed"`
}

func newCardView(c Card, now time.Time) CardView {
	return CardView{
		Card:            c,
		TotalSpent:      c.TotalSpent(),
		Balance:         c.Balance(),
		UsagePercentage: c.UsagePercentage(),
		LastUsed:        c.LastUsed(now),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"message": message})
}

// writeServiceError maps a service error to an HTTP status.
func writeServiceError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "Validation failed", "errors": verr.Problems})
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrLimitExceeded):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrNotLeader):
		writeError(w, http.StatusServiceUnavailable, "Leader unavailable, retry later")
	default:
		log.Printf("API error: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

// decodeJSON reads a capped JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxJSONBodyBytes)).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "Bad Request: Malformed JSON")
		return false
	}
	return true
}

type cardsAPI struct {
	svc         *Service
	requireAuth bool
	debugf      func(string, ...any)
	now         func() time.Time
}

// owner resolves the wallet owner or answers 403.
func (a *cardsAPI) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner, ok := ownerFromRequest(r, a.requireAuth)
	if !ok {
		writeError(w, http.StatusForbidden, "Unauthenticated")
	}
	return owner, ok
}

func (a *cardsAPI) pathID(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	id := r.PathValue(name)
	if !isValidUUID(id) {
		writeError(w, http.StatusBadRequest, "Invalid "+name)
		return "", false
	}
	return id, true
}

func (a *cardsAPI) listCards(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	wallet, err := a.svc.Wallet(owner)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	var cards []Card
	switch r.URL.Query().Get("archived") {
	case "", "false":
		cards = wallet.ActiveCards()
	case "true":
		cards = wallet.ArchivedCards()
	case "all":
		cards = wallet.Cards
	default:
		writeError(w, http.StatusBadRequest, "archived must be true, false or all")
		return
	}
	now := a.now()
	views := make([]CardView, 0, len(cards))
	for _, c := range cards {
		views = append(views, newCardView(c, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cards":         views,
		"activeCount":   len(wallet.ActiveCards()),
		"archivedCount": len(wallet.ArchivedCards()),
		"updatedAt":     wallet.UpdatedAt,
	})
}

func (a *cardsAPI) createCard(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	var in CardInput
	if !decodeJSON(w, r, &in) {
		return
	}
	card, err := a.svc.AddCard(owner, in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	a.debugf("Card %s created for %s", card.ID, maskEmail(owner))
	writeJSON(w, http.StatusCreated, newCardView(*card, a.now()))
}

func (a *cardsAPI) getCard(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	id, ok := a.pathID(w, r, "id")
	if !ok {
		return
	}
	wallet, err := a.svc.Wallet(owner)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	card, err := cardFrom(wallet, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCardView(*card, a.now()))
}

func (a *cardsAPI) updateCard(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	id, ok := a.pathID(w, r, "id")
	if !ok {
		return
	}
	var u CardUpdate
	if !decodeJSON(w, r, &u) {
		return
	}
	card, err := a.svc.UpdateCard(owner, id, u)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCardView(*card, a.now()))
}

func (a *cardsAPI) setArchived(archived bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := a.owner(w, r)
		if !ok {
			return
		}
		id, ok := a.pathID(w, r, "id")
		if !ok {
			return
		}
		card, err := a.svc.SetArchived(owner, id, archived)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newCardView(*card, a.now()))
	}
}

func (a *cardsAPI) deleteCard(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	id, ok := a.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := a.svc.DeleteCard(owner, id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *cardsAPI) addTransaction(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	id, ok := a.pathID(w, r, "id")
	if !ok {
		return
	}
	var in TransactionInput
	if !decodeJSON(w, r, &in) {
		return
	}
	t, err := a.svc.AddTransaction(owner, id, in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (a *cardsAPI) updateTransaction(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	id, ok := a.pathID(w, r, "id")
	if !ok {
		return
	}
	txID, ok := a.pathID(w, r, "txId")
	if !ok {
		return
	}
	var u TransactionUpdate
	if !decodeJSON(w, r, &u) {
		return
	}
	t, err := a.svc.UpdateTransaction(owner, id, txID, u)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *cardsAPI) deleteTransaction(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	id, ok := a.pathID(w, r, "id")
	if !ok {
		return
	}
	txID, ok := a.pathID(w, r, "txId")
	if !ok {
		return
	}
	if err := a.svc.DeleteTransaction(owner, id, txID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *cardsAPI) me(w http.ResponseWriter, r *http.Request) {
	userID := getUserID(r)
	if userID == "" && a.requireAuth {
		writeError(w, http.StatusForbidden, "Unauthenticated")
		return
	}
	owner, _ := ownerFromRequest(r, false)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            owner,
		"authenticated": userID != "",
		"appVersion":    CurrentAppVersion,
	})
}
