// Command demo drives a running sandkasten server from the terminal: post
// code, list live sessions, clear a conversation. Handy for poking at the
// service during development without curl incantations.
//
// Code comes from the arguments, or from stdin when none are given:
//
//	demo 'print(21 * 2)'
//	echo 'print("hi")' | demo
//	demo -sessions
//	demo -conversation conv_abc123def456 -clear
//
// Configuration:
//
//	SANDKASTEN_URL     - Server base URL (default: http://localhost:8080)
//	SANDKASTEN_API_KEY - Bearer token sent with every request (optional)
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rbackhaus/sandkasten/pkg/api"
)

func main() {
	baseURL := flag.String("url", envOr("SANDKASTEN_URL", "http://localhost:8080"), "server base URL")
	apiKey := flag.String("key", os.Getenv("SANDKASTEN_API_KEY"), "bearer token")
	conversation := flag.String("conversation", "", "conversation ID (minted when empty)")
	timeout := flag.Int("timeout", 0, "execution timeout in seconds (0 = server default)")
	sessions := flag.Bool("sessions", false, "list live sessions and exit")
	clear := flag.Bool("clear", false, "clear the conversation's session and exit")
	raw := flag.Bool("json", false, "print the raw JSON response")
	flag.Parse()

	d := &demo{
		baseURL: strings.TrimRight(*baseURL, "/"),
		apiKey:  *apiKey,
		client:  &http.Client{Timeout: 2 * time.Minute},
	}

	var err error
	switch {
	case *sessions:
		err = d.listSessions(*raw)
	case *clear:
		err = d.clearConversation(*conversation)
	default:
		err = d.execute(*conversation, *timeout, *raw)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type demo struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func (d *demo) execute(conversation string, timeout int, raw bool) error {
	code, err := readCode()
	if err != nil {
		return err
	}
	if conversation == "" {
		conversation = api.NewConversationID()
	}

	req := api.ExecuteRequest{
		ConversationID: conversation,
		Code:           code,
		TimeoutSeconds: timeout,
	}
	var resp api.ExecuteResponse
	if err := d.call(http.MethodPost, "/v1/execute", req, &resp); err != nil {
		return err
	}

	if raw {
		return printJSON(resp)
	}
	fmt.Println(resp.ResponseText)
	fmt.Printf("\nsession %s  conversation %s  execution #%d\n",
		resp.SessionID, resp.ConversationID, resp.ExecutionCount)
	if !resp.Succeeded {
		os.Exit(1)
	}
	return nil
}

func (d *demo) listSessions(raw bool) error {
	var resp api.SessionListResponse
	if err := d.call(http.MethodGet, "/v1/sessions", nil, &resp); err != nil {
		return err
	}
	if raw {
		return printJSON(resp)
	}
	if resp.Count == 0 {
		fmt.Println("no live sessions")
		return nil
	}
	for _, s := range resp.Sessions {
		fmt.Printf("%s  conversation=%s  executions=%d  idle=%s\n",
			s.ID, s.ConversationID, s.ExecutionCount, time.Since(s.LastUsedAt).Round(time.Second))
	}
	return nil
}

func (d *demo) clearConversation(conversation string) error {
	if conversation == "" {
		return fmt.Errorf("-clear requires -conversation")
	}
	if err := d.call(http.MethodDelete, "/v1/conversations/"+conversation+"/session", nil, nil); err != nil {
		return err
	}
	fmt.Printf("cleared session for conversation %s\n", conversation)
	return nil
}

// call issues one request and decodes the response into out. Non-2xx
// responses are decoded as the error envelope and returned as an error.
func (d *demo) call(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, d.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error != nil {
			return fmt.Errorf("%s (%s, HTTP %d)", envelope.Error.Message, envelope.Error.Type, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// readCode takes the program text from the arguments, or stdin when no
// arguments were given.
func readCode() (string, error) {
	if args := flag.Args(); len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading code from stdin: %w", err)
	}
	code := strings.TrimSpace(string(data))
	if code == "" {
		return "", fmt.Errorf("no code given (pass as argument or on stdin)")
	}
	return code, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
