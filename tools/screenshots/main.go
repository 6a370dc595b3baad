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

package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/ttbt-io/cardkeeper/backend"
	"github.com/ttbt-io/cardkeeper/tools/e2ehelpers"
)

const demoUser = "demo@example.com"

var (
	chromeURL = flag.String("chrome-url", "", "The url of the remote debugging port")
	outputDir = flag.String("output-dir", "/screenshots", "Directory to save screenshots")
	host      = flag.String("host", "devtest.local", "Host name the browser uses to reach the server")
)

func main() {
	flag.Parse()

	if *chromeURL == "" {
		log.Fatal("--chrome-url must be set")
	}

	baseURL, svc := startServer()
	log.Printf("Server started at %s", baseURL)
	if err := seedCards(svc); err != nil {
		log.Fatalf("Failed to seed cards: %v", err)
	}

	ctx, cancel := chromedp.NewRemoteAllocator(context.Background(), *chromeURL)
	defer cancel()

	ctx, cancel = chromedp.NewContext(ctx, chromedp.WithLogf(log.Printf))
	defer cancel()

	ctx, cancel = context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("Failed to create output dir: %v", err)
	}

	log.Println("Starting screenshot generation...")
	if err := generateScreenshots(ctx, baseURL); err != nil {
		log.Fatalf("Failed to generate screenshots: %v", err)
	}
	log.Println("Screenshots generated successfully.")
}

func debugFailure(ctx context.Context, name string) {
	log.Printf("DEBUG: capturing failure info for %s", name)
	var htmlContent string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &htmlContent)); err != nil {
		log.Printf("DEBUG: Failed to capture HTML: %v", err)
	} else {
		log.Printf("DEBUG: HTML Dump for %s:\n%s", name, htmlContent)
	}
	if _, err := e2ehelpers.CaptureScreenshot(ctx, filepath.Join(*outputDir, fmt.Sprintf("debug-%s.png", name))); err != nil {
		log.Printf("DEBUG: Failed to capture screenshot: %v", err)
	}
}

// runAction executes a chromedp action with a timeout and debug capture on failure.
func runAction(ctx context.Context, name string, action chromedp.Action, timeout time.Duration) error {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := chromedp.Run(stepCtx, action); err != nil {
		log.Printf("Action '%s' failed: %v", name, err)
		debugFailure(ctx, name+"-failed")
		return err
	}
	return nil
}

// shot runs action and then saves the viewport as name.
func shot(ctx context.Context, name string, action chromedp.Action) error {
	if err := runAction(ctx, name, action, 15*time.Second); err != nil {
		return err
	}
	_, err := e2ehelpers.CaptureScreenshot(ctx, filepath.Join(*outputDir, name+".png"))
	return err
}

func generateScreenshots(ctx context.Context, baseURL string) error {
	if err := chromedp.Run(ctx,
		emulation.SetDeviceMetricsOverride(1280, 800, 1, false),
	); err != nil {
		return err
	}
	if err := e2ehelpers.LoginWithUser(ctx, baseURL, demoUser); err != nil {
		return err
	}

	steps := []struct {
		name   string
		action chromedp.Action
	}{
		{"card-list", chromedp.Tasks{
			e2ehelpers.DisableCSSAnimations(),
			e2ehelpers.WaitCardCount(3),
		}},
		{"card-menu", e2ehelpers.OpenCardMenu(0)},
		{"edit-card-dialog", chromedp.Tasks{
			e2ehelpers.ChooseMenuItem("Edit Card"),
			e2ehelpers.WaitRoleVisible("dialog", "Edit Card"),
		}},
		{"add-card-dialog", chromedp.Tasks{
			chromedp.KeyEvent(kb.Escape),
			e2ehelpers.WaitRoleGone("dialog", "Edit Card"),
			chromedp.Click(`#add-card-button`, chromedp.ByQuery),
			e2ehelpers.WaitRoleVisible("dialog", "Add Card"),
		}},
		{"card-detail", chromedp.Tasks{
			chromedp.KeyEvent(kb.Escape),
			e2ehelpers.WaitRoleGone("dialog", "Add Card"),
			chromedp.Click(`.card-item h3`, chromedp.ByQuery),
			chromedp.WaitVisible(`#transaction-list li`, chromedp.ByQuery),
		}},
		{"add-transaction-dialog", chromedp.Tasks{
			chromedp.Click(`#add-transaction-button`, chromedp.ByQuery),
			e2ehelpers.WaitRoleVisible("dialog", "Add Transaction"),
		}},
		{"data-dialog", chromedp.Tasks{
			chromedp.KeyEvent(kb.Escape),
			chromedp.Navigate(baseURL + "/#/"),
			chromedp.WaitVisible(`.card-item`, chromedp.ByQuery),
			chromedp.Click(`#data-button`, chromedp.ByQuery),
			e2ehelpers.WaitRoleVisible("dialog", "Import / Export Data"),
		}},
	}
	for _, s := range steps {
		log.Printf("Screenshot: %s", s.name)
		if err := shot(ctx, s.name, s.action); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

func seedCards(svc *backend.Service) error {
	seed := []struct {
		card  backend.CardInput
		spend []backend.TransactionInput
	}{
		{
			card: backend.CardInput{Name: "Coffee Shop", Number: "6011000990139424", InitialValue: 50},
			spend: []backend.TransactionInput{
				{Description: "Latte", Location: "Main St", Amount: 4.75},
				{Description: "Croissant", Amount: 3.25},
			},
		},
		{
			card:  backend.CardInput{Name: "Bookstore", Number: "4111111111111111", PIN: "1234", InitialValue: 25},
			spend: []backend.TransactionInput{{Description: "Paperback", Amount: 12.99}},
		},
		{card: backend.CardInput{Name: "Cinema", InitialValue: 40}},
	}
	for _, s := range seed {
		c, err := svc.AddCard(demoUser, s.card)
		if err != nil {
			return err
		}
		for _, tx := range s.spend {
			if _, err := svc.AddTransaction(demoUser, c.ID, tx); err != nil {
				return err
			}
		}
	}
	return nil
}

func startServer() (string, *backend.Service) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		log.Fatalf("Failed to generate cert: %v", err)
	}
	dataDir, err := os.MkdirTemp("", "cardkeeper-screenshots-")
	if err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}
	l, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	s, err := backend.StartServer(backend.Options{
		Listener:    l,
		Cert:        cert,
		UseMockAuth: true,
		DataDir:     dataDir,
		Storage:     storage.New(dataDir, nil),
	})
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	_, port, _ := net.SplitHostPort(l.Addr().String())
	return fmt.Sprintf("https://%s:%s", *host, port), s.Service()
}

func generateSelfSignedCert() (*tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"Test Org"}},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour * 24),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost", "devtest", "devtest.local"},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	crtPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	cert, err := tls.X509KeyPair(crtPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}
