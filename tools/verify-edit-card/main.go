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

// verify-edit-card checks that a running card UI opens the Edit Card dialog
// from a card's menu, and saves a screenshot of the result.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/ttbt-io/cardkeeper/verify"
)

var (
	targetURL = flag.String("url", verify.DefaultURL, "The page to open")
	output    = flag.String("output", verify.DefaultScreenshot, "Where to save the screenshot")
	timeout   = flag.Duration("timeout", verify.DefaultTimeout, "Time allowed for each step")
	chromeURL = flag.String("chrome-url", "", "The url of the remote debugging port. A local headless Chrome is launched when empty.")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := verify.Run(ctx, verify.Options{
		URL:        *targetURL,
		Screenshot: *output,
		Timeout:    *timeout,
		RemoteURL:  *chromeURL,
	})
	if err != nil {
		log.Fatalf("Verification failed: %v", err)
	}
	log.Printf("Verification passed in %s. Screenshot: %s (%d bytes)", res.Duration.Round(1e6), res.Screenshot, res.Bytes)
}
