// authprobe - Direct upstream probe for the Qwen chat endpoint.
// Runs the same credential lifecycle as the proxy (cached file, refresh,
// device authorization) and sends a single chat completion.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/pysugar/qwen-code-proxy/internal/auth/credential"
	"github.com/pysugar/qwen-code-proxy/internal/auth/qwen"
	"github.com/pysugar/qwen-code-proxy/internal/auth/token"
	"github.com/pysugar/qwen-code-proxy/internal/browser"
	"github.com/pysugar/qwen-code-proxy/internal/logging"
	"github.com/pysugar/qwen-code-proxy/internal/upstream/dashscope"
)

func main() {
	var message, model, credFile string
	var stream bool
	var timeout time.Duration
	flag.StringVar(&message, "message", "Say hello in one short sentence.", "User message to send")
	flag.StringVar(&model, "model", "qwen3-coder-plus", "Model name")
	flag.BoolVar(&stream, "stream", false, "Request a streaming answer")
	flag.StringVar(&credFile, "credentials", "", "Credential file (default ~/.qwen/oauth_creds.json)")
	flag.DurationVar(&timeout, "timeout", 5*time.Minute, "Overall probe timeout, including the device-approval wait")
	flag.Parse()

	logging.Setup()

	credPath := credFile
	if credPath == "" {
		var err error
		credPath, err = credential.DefaultPath()
		if err != nil {
			log.Fatalf("Failed to resolve credential path: %v", err)
		}
	}
	store := credential.NewStore(credPath)
	flow := qwen.NewFlow(store)
	tokens := token.NewManager(store, flow, browser.VerificationNotifier())
	provider := dashscope.NewProvider(tokens, timeout)

	body := []byte(`{"messages":[{"role":"user","content":""}]}`)
	body, _ = sjson.SetBytes(body, "messages.0.content", message)
	body, _ = sjson.SetBytes(body, "model", model)
	body, _ = sjson.SetBytes(body, "stream", stream)

	fmt.Printf("Credential file: %s\n", store.Path())
	fmt.Printf("Sending %q to %s (stream=%v)\n\n", message, model, stream)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	start := time.Now()

	if stream {
		src, err := provider.ChatCompletionStream(ctx, body)
		if err != nil {
			log.Fatalf("Probe failed: %v", err)
		}
		defer src.Close()

		n, err := io.Copy(os.Stdout, src)
		fmt.Printf("\n---\nStreamed %d bytes in %s\n", n, time.Since(start).Round(time.Millisecond))
		if err != nil {
			log.Fatalf("Stream broke mid-way: %v", err)
		}
		return
	}

	result, err := provider.ChatCompletion(ctx, body)
	if err != nil {
		log.Fatalf("Probe failed: %v", err)
	}

	content := gjson.GetBytes(result, "choices.0.message.content").String()
	fmt.Printf("Reply after %s:\n%s\n", time.Since(start).Round(time.Millisecond), content)
	if usage := gjson.GetBytes(result, "usage"); usage.Exists() {
		fmt.Printf("\nUsage: %s\n", usage.Raw)
	}
}
