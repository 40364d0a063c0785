package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MethodSendMessage is the JSON-RPC method for a one-shot agent call.
const MethodSendMessage = "message/send"

// ErrEmptyReply is returned when an agent answers without any text part.
var ErrEmptyReply = errors.New("agent reply has no text")

// Part is one piece of an A2A message. Only text parts are produced here.
type Part struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

// Message is an A2A message exchanged between a client and an agent.
type Message struct {
	Kind      string `json:"kind,omitempty"`
	Role      string `json:"role"`
	Parts     []Part `json:"parts"`
	MessageID string `json:"messageId"`
	TaskID    string `json:"taskId,omitempty"`
}

type sendParams struct {
	Message Message `json:"message"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// sendResult covers both shapes a message/send call may return: a Message,
// or a Task carrying artifacts and a status message.
type sendResult struct {
	Kind      string `json:"kind"`
	Parts     []Part `json:"parts"`
	Artifacts []struct {
		Parts []Part `json:"parts"`
	} `json:"artifacts"`
	Status struct {
		State   string   `json:"state"`
		Message *Message `json:"message"`
	} `json:"status"`
}

func (r *sendResult) text() string {
	var b strings.Builder
	for _, p := range r.Parts {
		b.WriteString(p.Text)
	}
	if b.Len() > 0 {
		return b.String()
	}
	for _, a := range r.Artifacts {
		for _, p := range a.Parts {
			b.WriteString(p.Text)
		}
	}
	if b.Len() > 0 {
		return b.String()
	}
	if r.Status.Message != nil {
		for _, p := range r.Status.Message.Parts {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Client invokes remote agents over A2A JSON-RPC.
type Client struct {
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates an A2A client. A nil httpClient gets a 120s timeout.
func NewClient(httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Client{http: httpClient, logger: logger}
}

// SendText sends a single user text message and returns the agent's reply text.
func (c *Client) SendText(ctx context.Context, endpointURL, text string) (string, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  MethodSendMessage,
		Params: sendParams{Message: Message{
			Kind:      "message",
			Role:      "user",
			Parts:     []Part{{Kind: "text", Text: text}},
			MessageID: strings.ReplaceAll(uuid.New().String(), "-", ""),
		}},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("agent error %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return "", rpcResp.Error
	}

	var result sendResult
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		return "", fmt.Errorf("decode result: %w", err)
	}
	out := result.text()
	if out == "" {
		return "", ErrEmptyReply
	}
	c.logger.Debug("a2a reply received", zap.String("endpoint", endpointURL), zap.Int("chars", len(out)))
	return out, nil
}
