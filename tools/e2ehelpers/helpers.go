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

package e2ehelpers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

const (
	// CardSelector matches one rendered card.
	CardSelector = ".card-item"
	// MoreButtonSelector matches the card menu trigger, relative to a card.
	MoreButtonSelector = "button:has(svg.lucide-more-horizontal)"

	pollInterval = 100 * time.Millisecond
)

// ErrNoMatch is returned when no node has the requested role and name.
var ErrNoMatch = errors.New("no matching accessible node")

// CaptureScreenshot captures the viewport and saves it as PNG at filename.
// It returns the number of bytes written.
func CaptureScreenshot(ctx context.Context, filename string) (int, error) {
	var buf []byte
	if err := chromedp.Run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return 0, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory for screenshot: %w", err)
	}
	if err := os.WriteFile(filename, buf, 0644); err != nil {
		return 0, fmt.Errorf("failed to write screenshot to file: %w", err)
	}
	log.Printf("Saved screenshot to %s", filename)
	return len(buf), nil
}

func DisableCSSAnimations() chromedp.ActionFunc {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		return chromedp.Evaluate(`
			const style = document.createElement('style');
			style.textContent = '*{transition-duration:0s!important;animation-duration:0s!important;}';
			document.head.appendChild(style);
		`, nil).Do(ctx)
	})
}

// --- Accessibility queries ---

// QueryRole returns the backend node IDs of every non-ignored node in the
// accessibility tree with the given role and accessible name.
func QueryRole(ctx context.Context, role, name string) ([]cdp.BackendNodeID, error) {
	if err := accessibility.Enable().Do(ctx); err != nil {
		return nil, fmt.Errorf("enable accessibility: %w", err)
	}
	root, err := dom.GetDocument().WithDepth(0).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	nodes, err := accessibility.QueryAXTree().
		WithNodeID(root.NodeID).
		WithRole(role).
		WithAccessibleName(name).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("query %s %q: %w", role, name, err)
	}
	var ids []cdp.BackendNodeID
	for _, n := range nodes {
		if n.Ignored || n.BackendDOMNodeID == 0 {
			continue
		}
		ids = append(ids, n.BackendDOMNodeID)
	}
	return ids, nil
}

// isRendered reports whether the node has a non-empty layout box.
func isRendered(ctx context.Context, id cdp.BackendNodeID) bool {
	model, err := dom.GetBoxModel().WithBackendNodeID(id).Do(ctx)
	if err != nil {
		return false
	}
	return model.Width > 0 && model.Height > 0
}

// findVisibleRole returns the first rendered node with role and name.
func findVisibleRole(ctx context.Context, role, name string) (cdp.BackendNodeID, error) {
	ids, err := QueryRole(ctx, role, name)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if isRendered(ctx, id) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%s %q: %w", role, name, ErrNoMatch)
}

// waitRole polls until a rendered node with role and name exists or ctx
// is done.
func waitRole(ctx context.Context, role, name string) (cdp.BackendNodeID, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		id, err := findVisibleRole(ctx, role, name)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrNoMatch) {
			return 0, err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return 0, fmt.Errorf("waiting for %s %q: %w", role, name, ctx.Err())
		}
	}
}

// WaitRoleVisible waits until an element with role and accessible name is
// rendered.
func WaitRoleVisible(role, name string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := waitRole(ctx, role, name)
		return err
	})
}

// ClickRole waits for an element with role and accessible name and clicks
// it.
func ClickRole(role, name string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		id, err := waitRole(ctx, role, name)
		if err != nil {
			return err
		}
		obj, err := dom.ResolveNode().WithBackendNodeID(id).Do(ctx)
		if err != nil {
			return fmt.Errorf("resolve %s %q: %w", role, name, err)
		}
		defer runtime.ReleaseObject(obj.ObjectID).Do(ctx)
		_, exc, err := runtime.CallFunctionOn(`function() { this.scrollIntoView({block: 'center'}); this.click(); }`).
			WithObjectID(obj.ObjectID).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("click %s %q: %w", role, name, err)
		}
		if exc != nil {
			return fmt.Errorf("click %s %q: %s", role, name, exc.Text)
		}
		return nil
	})
}

// WaitRoleGone waits until no rendered element has role and name.
func WaitRoleGone(role, name string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			_, err := findVisibleRole(ctx, role, name)
			if errors.Is(err, ErrNoMatch) {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return fmt.Errorf("waiting for %s %q to close: %w", role, name, ctx.Err())
			}
		}
	})
}

// --- Cards ---

// LoginWithUser sets the mock auth cookie for email and opens the app.
func LoginWithUser(ctx context.Context, baseURL, email string) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid baseURL %q: %w", baseURL, err)
	}
	return chromedp.Run(ctx,
		network.ClearBrowserCookies(),
		network.SetCookie("mock_auth_user", email).
			WithDomain(u.Hostname()).
			WithPath("/").
			WithSecure(u.Scheme == "https"),
		chromedp.Navigate(baseURL+"/"),
		chromedp.WaitVisible(`#card-list`, chromedp.ByQuery),
	)
}

// CardForm holds the values typed into the card dialog. Empty fields are
// left untouched.
type CardForm struct {
	Name         string
	Number       string
	PIN          string
	InitialValue string
}

// FillCardForm replaces the contents of the open card dialog's fields.
func FillCardForm(f CardForm) chromedp.Tasks {
	var tasks chromedp.Tasks
	for _, field := range []struct{ sel, val string }{
		{`#field-name`, f.Name},
		{`#field-number`, f.Number},
		{`#field-pin`, f.PIN},
		{`#field-initialValue`, f.InitialValue},
	} {
		if field.val == "" {
			continue
		}
		tasks = append(tasks,
			chromedp.SetValue(field.sel, "", chromedp.ByQuery),
			chromedp.SendKeys(field.sel, field.val, chromedp.ByQuery),
		)
	}
	return tasks
}

// AddCard creates a card through the Add Card dialog and waits for it to be
// listed.
func AddCard(ctx context.Context, f CardForm) error {
	return chromedp.Run(ctx,
		chromedp.Click(`#add-card-button`, chromedp.ByQuery),
		WaitRoleVisible("dialog", "Add Card"),
		FillCardForm(f),
		chromedp.Click(`.dialog button[type="submit"]`, chromedp.ByQuery),
		WaitRoleGone("dialog", "Add Card"),
		chromedp.WaitVisible(CardSelector, chromedp.ByQuery),
	)
}

// OpenCardMenu clicks the More button of the card at index.
func OpenCardMenu(index int) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var cards []*cdp.Node
		if err := chromedp.Nodes(CardSelector, &cards, chromedp.ByQueryAll).Do(ctx); err != nil {
			return err
		}
		if index >= len(cards) {
			return fmt.Errorf("card %d: only %d cards rendered", index, len(cards))
		}
		return chromedp.Click(MoreButtonSelector, chromedp.ByQuery, chromedp.FromNode(cards[index])).Do(ctx)
	})
}

// ChooseMenuItem clicks the menu item with the given name.
func ChooseMenuItem(name string) chromedp.Action {
	return ClickRole("menuitem", name)
}

// EditCard opens the Edit Card dialog of the card at index, fills it and
// saves.
func EditCard(ctx context.Context, index int, f CardForm) error {
	return chromedp.Run(ctx,
		OpenCardMenu(index),
		ChooseMenuItem("Edit Card"),
		WaitRoleVisible("dialog", "Edit Card"),
		FillCardForm(f),
		chromedp.Click(`.dialog button[type="submit"]`, chromedp.ByQuery),
		WaitRoleGone("dialog", "Edit Card"),
	)
}

// CardNames returns the names of the rendered cards in order.
func CardNames(names *[]string) chromedp.Action {
	return chromedp.Evaluate(`Array.from(document.querySelectorAll('.card-item h3')).map(e => e.textContent)`, names)
}

// WaitCardCount waits until exactly n cards are rendered.
func WaitCardCount(n int) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			var count int
			if err := chromedp.Evaluate(`document.querySelectorAll('.card-item').length`, &count).Do(ctx); err != nil {
				return err
			}
			if count == n {
				return nil
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return fmt.Errorf("waiting for %d cards (have %d): %w", n, count, ctx.Err())
			}
		}
	})
}

// AcceptDialogs auto-accepts confirm() prompts until the next navigation.
func AcceptDialogs(ctx context.Context) error {
	return chromedp.Run(ctx, chromedp.Evaluate(`window.confirm = () => true`, nil))
}
