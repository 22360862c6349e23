package main

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"

	lineapi "github.com/tjfontaine/line-gemini-relay/internal/api/line"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/linesign/main.go <body.json | ->")
		fmt.Println("Prints the X-Line-Signature for a webhook body, signed with LINE_CHANNEL_SECRET")
		os.Exit(1)
	}

	secret := os.Getenv("LINE_CHANNEL_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "LINE_CHANNEL_SECRET is not set")
		os.Exit(1)
	}

	var (
		body []byte
		err  error
	)
	if os.Args[1] == "-" {
		body, err = io.ReadAll(os.Stdin)
	} else {
		body, err = os.ReadFile(os.Args[1])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "read body: %v\n", err)
		os.Exit(1)
	}

	signature := lineapi.Sign(secret, body)

	fmt.Printf("%s: %s\n", lineapi.SignatureHeader, signature)
	fmt.Println("\nReplay with:")
	fmt.Printf("  curl -X POST -H 'Content-Type: application/json' \\\n")
	fmt.Printf("    -H '%s: %s' \\\n", lineapi.SignatureHeader, signature)
	fmt.Printf("    --data-binary @%s http://localhost:8080/callback\n", os.Args[1])
}
