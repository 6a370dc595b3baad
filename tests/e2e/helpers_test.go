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
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ttbt-io/cardkeeper/tools/e2ehelpers"
)

type CardForm = e2ehelpers.CardForm

var DisableCSSAnimations = e2ehelpers.DisableCSSAnimations
var LoginWithUser = e2ehelpers.LoginWithUser
var AddCard = e2ehelpers.AddCard
var EditCard = e2ehelpers.EditCard
var OpenCardMenu = e2ehelpers.OpenCardMenu
var ChooseMenuItem = e2ehelpers.ChooseMenuItem
var CardNames = e2ehelpers.CardNames
var WaitCardCount = e2ehelpers.WaitCardCount
var AcceptDialogs = e2ehelpers.AcceptDialogs
var WaitRoleVisible = e2ehelpers.WaitRoleVisible
var WaitRoleGone = e2ehelpers.WaitRoleGone
var ClickRole = e2ehelpers.ClickRole
var FillCardForm = e2ehelpers.FillCardForm
var CaptureScreenshot = e2ehelpers.CaptureScreenshot

// Login opens the app as a fresh user and disables animations.
func Login(ctx context.Context, baseURL, email string) error {
	if err := LoginWithUser(ctx, baseURL, email); err != nil {
		return err
	}
	return chromedp.Run(ctx, DisableCSSAnimations())
}

// WaitText polls sel until its text content equals want.
func WaitText(sel, want string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var got string
		for {
			if err := chromedp.Evaluate(fmt.Sprintf(`(document.querySelector(%q)||{}).textContent||''`, sel), &got).Do(ctx); err != nil {
				return err
			}
			if got == want {
				return nil
			}
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return fmt.Errorf("%s = %q, want %q: %w", sel, got, want, ctx.Err())
			}
		}
	})
}

// TransactionCount reads the number of rows in the open card's history.
func TransactionCount(n *int) chromedp.Action {
	return chromedp.Evaluate(`document.querySelectorAll('#transaction-list li').length`, n)
}
