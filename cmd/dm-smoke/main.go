// Package main provides a CI-friendly end-to-end smoke test for a running bazaar server.
//
// It validates:
//   - the receiver's conversation view loads and reaches synced
//   - send -> 201 with a server-assigned id
//   - live delivery of the message to the receiver's view
//   - conversation fetch from both sides returns the message with profiles
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"bazaar/cmd/internal/chatclient"
	"bazaar/cmd/internal/messaging"

	"github.com/google/uuid"
)

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		header  = flag.String("identity-header", "X-User-ID", "Header carrying the acting user id")
		sender  = flag.String("sender", "", "Sender user id (default: random)")
		recv    = flag.String("receiver", "", "Receiver user id (default: random)")
		text    = flag.String("text", "hello bazaar", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	a := orRandom(*sender, "smoke-a")
	b := orRandom(*recv, "smoke-b")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if *verbose {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	client, err := chatclient.NewClient(*baseURL,
		chatclient.WithIdentityHeader(*header),
		chatclient.WithClientLogger(log),
	)
	if err != nil {
		fatalf("client: %v", err)
	}

	root, cancel := context.WithCancel(context.Background())
	defer cancel()

	view, err := chatclient.NewView(client, b, a, chatclient.WithViewLogger(log))
	if err != nil {
		fatalf("view: %v", err)
	}
	viewDone := make(chan struct{})
	go func() {
		defer close(viewDone)
		_ = view.Run(root)
	}()

	mustWaitView(view, *timeout, "synced", func(v *chatclient.View) bool {
		return v.State() == chatclient.StateSynced
	})
	before := len(view.Messages())

	ctx, stepCancel := context.WithTimeout(root, *timeout)
	sent, err := client.Send(ctx, messaging.SendInput{Sender: a, Receiver: b, Content: *text})
	stepCancel()
	if err != nil {
		fatalf("send: %v", err)
	}
	if *verbose {
		fmt.Printf("sent: id=%s created_at=%s\n", sent.ID, sent.CreatedAt.Format(time.RFC3339Nano))
	}

	mustWaitView(view, *timeout, "live delivery", func(v *chatclient.View) bool {
		msgs := v.Messages()
		return len(msgs) == before+1 && msgs[len(msgs)-1].ID == sent.ID
	})

	for _, pair := range [][2]string{{a, b}, {b, a}} {
		ctx, stepCancel := context.WithTimeout(root, *timeout)
		conv, err := client.Fetch(ctx, pair[0], pair[1])
		stepCancel()
		if err != nil {
			fatalf("fetch %s->%s: %v", pair[0], pair[1], err)
		}
		if n := len(conv.Messages); n == 0 || conv.Messages[n-1].ID != sent.ID {
			fatalf("fetch %s->%s: last message is not %s", pair[0], pair[1], sent.ID)
		}
		if conv.SenderProfile.ID != pair[0] || conv.ReceiverProfile.ID != pair[1] {
			fatalf("fetch %s->%s: profiles %q/%q", pair[0], pair[1], conv.SenderProfile.ID, conv.ReceiverProfile.ID)
		}
	}

	cancel()
	<-viewDone

	fmt.Printf("OK: sender=%s receiver=%s message_id=%s\n", a, b, sent.ID)
}

func mustWaitView(v *chatclient.View, timeout time.Duration, what string, ok func(*chatclient.View) bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for !ok(v) {
		select {
		case <-v.Changed():
		case <-deadline.C:
			fatalf("timeout waiting for %s (state=%s err=%v)", what, v.State(), v.Err())
		}
	}
}

func orRandom(id, prefix string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return prefix + "-" + uuid.NewString()[:8]
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
