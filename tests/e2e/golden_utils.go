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

package e2e

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chromedp/chromedp"
	"github.com/pmezard/go-difflib/difflib"
)

// cardListScript renders each visible card as "name | number | balance".
const cardListScript = `Array.from(document.querySelectorAll('#card-list .card-item')).map(c =>
	[c.querySelector('h3'), c.querySelector('.card-number'), c.querySelector('.card-balance')]
		.map(e => e ? e.textContent.trim() : '').join(' | ')).join('\n')`

// VerifyCardList captures the rendered card list and compares it to a golden
// file. If UPDATE_GOLDENS is true, it writes the file instead.
func VerifyCardList(t *testing.T, ctx context.Context, goldenFilename string) {
	t.Helper()
	var actual string
	if err := chromedp.Run(ctx, chromedp.Evaluate(cardListScript, &actual)); err != nil {
		t.Fatalf("Failed to capture card list: %v", err)
	}
	actual = strings.TrimSpace(actual)
	if len(actual) == 0 {
		t.Fatal("Card list is empty")
	}
	compareGolden(t, goldenFilename, actual)
}

func compareGolden(t *testing.T, goldenFilename, actual string) {
	t.Helper()
	// go test runs in the package directory.
	goldenPath := filepath.Join("goldens", goldenFilename)

	if os.Getenv("UPDATE_GOLDENS") == "true" {
		if err := os.MkdirAll(filepath.Dir(goldenPath), 0755); err != nil {
			t.Fatalf("Failed to create golden directory: %v", err)
		}
		if err := os.WriteFile(goldenPath, []byte(actual+"\n"), 0644); err != nil {
			t.Fatalf("Failed to write golden file %s: %v", goldenPath, err)
		}
		t.Logf("Updated golden file: %s", goldenPath)
		return
	}

	expectedBytes, err := os.ReadFile(goldenPath)
	if err != nil {
		if os.IsNotExist(err) {
			t.Errorf("Golden file missing: %s. Run with UPDATE_GOLDENS=true to create it.\nActual Content:\n%s", goldenPath, actual)
			return
		}
		t.Fatalf("Failed to read golden file %s: %v", goldenPath, err)
	}
	expected := strings.TrimSpace(string(expectedBytes))
	if actual != expected {
		diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(expected + "\n"),
			B:        difflib.SplitLines(actual + "\n"),
			FromFile: "Expected",
			ToFile:   "Actual",
			Context:  3,
		})
		t.Errorf("Card list mismatch for %s:\n%s", goldenFilename, diff)
	}
}
