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

// Package verify drives a browser through the card UI's Edit Card flow and
// records a screenshot of the open dialog.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"github.com/ttbt-io/cardkeeper/tools/e2ehelpers"
)

// Defaults used when the corresponding Options field is empty.
const (
	DefaultURL        = "http://localhost:5174/"
	DefaultScreenshot = "jules-scratch/verification/verification.png"
	DefaultTimeout    = 5 * time.Second
	DefaultItemName   = "Edit Card"
)

// Step names reported in StepError.
const (
	StepLaunch       = "launch"
	StepNavigate     = "navigate"
	StepWaitCard     = "wait-card"
	StepOpenMenu     = "open-menu"
	StepChooseItem   = "choose-item"
	StepExpectDialog = "expect-dialog"
	StepScreenshot   = "screenshot"
)

// Options configure a run.
type Options struct {
	URL        string
	Screenshot string
	Timeout    time.Duration // Per step

	// RemoteURL attaches to a running Chrome DevTools endpoint. When empty
	// a local headless Chrome is launched.
	RemoteURL string

	CardSelector       string
	MenuButtonSelector string // Relative to the first card
	MenuItemName       string
	DialogName         string

	Logf func(string, ...any)
}

func (o *Options) setDefaults() {
	if o.URL == "" {
		o.URL = DefaultURL
	}
	if o.Screenshot == "" {
		o.Screenshot = DefaultScreenshot
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.CardSelector == "" {
		o.CardSelector = e2ehelpers.CardSelector
	}
	if o.MenuButtonSelector == "" {
		o.MenuButtonSelector = e2ehelpers.MoreButtonSelector
	}
	if o.MenuItemName == "" {
		o.MenuItemName = DefaultItemName
	}
	if o.DialogName == "" {
		o.DialogName = DefaultItemName
	}
	if o.Logf == nil {
		o.Logf = log.Printf
	}
}

// Result describes a successful run.
type Result struct {
	Screenshot string
	Bytes      int
	Duration   time.Duration
}

// StepError reports the step at which a run stopped.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Run opens the page, waits for a card, opens its menu, chooses the edit
// item, checks that the edit dialog is shown and saves a screenshot. The
// browser is closed before Run returns.
func Run(ctx context.Context, opts Options) (*Result, error) {
	opts.setDefaults()
	start := time.Now()

	var allocCtx context.Context
	var cancelAlloc context.CancelFunc
	if opts.RemoteURL != "" {
		allocCtx, cancelAlloc = chromedp.NewRemoteAllocator(ctx, opts.RemoteURL)
	} else {
		allocCtx, cancelAlloc = chromedp.NewExecAllocator(ctx, chromedp.DefaultExecAllocatorOptions[:]...)
	}
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(opts.Logf))
	defer cancelBrowser()
	defer func() {
		if err := chromedp.Cancel(browserCtx); err != nil {
			opts.Logf("closing browser: %v", err)
		}
	}()

	// The first Run starts the browser. It must not use a step context or
	// the browser would die with it.
	if err := chromedp.Run(browserCtx); err != nil {
		return nil, &StepError{Step: StepLaunch, Err: err}
	}

	var firstCard []*cdp.Node
	steps := []struct {
		name   string
		action chromedp.Action
	}{
		{StepNavigate, chromedp.Navigate(opts.URL)},
		{StepWaitCard, chromedp.WaitVisible(opts.CardSelector, chromedp.ByQuery)},
		{StepOpenMenu, chromedp.ActionFunc(func(ctx context.Context) error {
			if err := chromedp.Nodes(opts.CardSelector, &firstCard, chromedp.ByQuery).Do(ctx); err != nil {
				return err
			}
			return chromedp.Click(opts.MenuButtonSelector, chromedp.ByQuery, chromedp.FromNode(firstCard[0])).Do(ctx)
		})},
		{StepChooseItem, e2ehelpers.ClickRole("menuitem", opts.MenuItemName)},
		{StepExpectDialog, e2ehelpers.WaitRoleVisible("dialog", opts.DialogName)},
	}
	for _, s := range steps {
		opts.Logf("verify: %s", s.name)
		if err := runStep(browserCtx, opts.Timeout, s.action); err != nil {
			return nil, &StepError{Step: s.name, Err: err}
		}
	}

	opts.Logf("verify: %s", StepScreenshot)
	stepCtx, cancel := context.WithTimeout(browserCtx, opts.Timeout)
	n, err := e2ehelpers.CaptureScreenshot(stepCtx, opts.Screenshot)
	cancel()
	if err != nil {
		return nil, &StepError{Step: StepScreenshot, Err: err}
	}

	return &Result{
		Screenshot: opts.Screenshot,
		Bytes:      n,
		Duration:   time.Since(start),
	}, nil
}

func runStep(ctx context.Context, timeout time.Duration, action chromedp.Action) error {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := chromedp.Run(stepCtx, action); err != nil {
		// chromedp reports some expired waits without wrapping the context
		// error.
		if ctxErr := stepCtx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return fmt.Errorf("%w: %v", ctxErr, err)
		}
		return err
	}
	return nil
}
