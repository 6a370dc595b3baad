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
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// exportFilename is the download name used by the UI's export button too.
func exportFilename(now time.Time) string {
	return fmt.Sprintf("prepaid-cards-export-%s.json", now.Format("2006-01-02"))
}

// download returns the wallet as an upload document. With ?ids=a,b only
// those cards are included, in wallet order.
func (a *cardsAPI) download(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	wallet, err := a.svc.Wallet(owner)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	cards := wallet.Cards
	if ids := r.URL.Query().Get("ids"); ids != "" {
		want := make(map[string]bool)
		for _, id := range strings.Split(ids, ",") {
			if id = strings.TrimSpace(id); id != "" {
				want[id] = true
			}
		}
		cards = make([]Card, 0, len(want))
		for _, c := range wallet.Cards {
			if want[c.ID] {
				cards = append(cards, c)
			}
		}
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, exportFilename(a.now())))
	writeJSON(w, http.StatusOK, UploadDocument{Cards: cards})
}

// upload imports a backup file posted as multipart/form-data with the
// fields "file" and "mode".
func (a *cardsAPI) upload(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBodyBytes)
	file, _, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer file.Close()

	mode := r.FormValue("mode")
	if mode != UploadModeAdd && mode != UploadModeReplace {
		writeError(w, http.StatusBadRequest, "Invalid upload mode")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		log.Printf("Upload read error: %v", err)
		writeError(w, http.StatusInternalServerError, "Error processing file")
		return
	}
	doc, err := ParseUploadDocument(data)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": "Invalid data format", "errors": verr.Problems})
			return
		}
		a.debugf("Upload parse error: %v", err)
		writeError(w, http.StatusInternalServerError, "Error processing file")
		return
	}

	wallet, err := a.svc.Import(owner, mode, doc.Cards)
	if err != nil {
		if errors.Is(err, ErrNotLeader) {
			writeServiceError(w, err)
			return
		}
		log.Printf("Upload import error for %s: %v", maskEmail(owner), err)
		writeError(w, http.StatusInternalServerError, "Error processing file")
		return
	}
	a.debugf("Imported %d cards for %s (mode=%s)", len(doc.Cards), maskEmail(owner), mode)
	total := 0
	if wallet != nil {
		total = len(wallet.Cards)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "Data uploaded successfully",
		"imported": len(doc.Cards),
		"total":    total,
	})
}
