// Package openai provides an OpenAI-compatible completion provider.
//
// The provider speaks the /chat/completions wire protocol over raw HTTP and
// parses the SSE stream directly rather than going through a generated client,
// which gives better compatibility with the many OpenAI-compatible servers
// (vLLM, llama.cpp, LiteLLM, gateways) that emit SSE comments or slight
// format variations. Native tool-call deltas are accumulated per index and
// delivered on the terminal chunk alongside usage counters.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/loomhq/loom/pkg/llm"
	"github.com/loomhq/loom/pkg/types"
	"github.com/openai/openai-go"
)

const (
	// DefaultBaseURL is the default OpenAI API base URL.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is used when no model is configured.
	DefaultModel = "gpt-4o"
)

// Provider implements llm.Provider for OpenAI-compatible APIs.
type Provider struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	model      string
	name       string
	streaming  bool
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithModel sets the model to use for completions.
func WithModel(model string) ProviderOption {
	return func(p *Provider) {
		p.model = model
	}
}

// WithBaseURL sets a custom base URL for OpenAI-compatible APIs.
// This enables using Azure OpenAI, local models, or other compatible services.
func WithBaseURL(baseURL string) ProviderOption {
	return func(p *Provider) {
		p.baseURL = baseURL
	}
}

// WithName sets the endpoint name reported in logs and health accounting.
// Defaults to the host portion of the base URL.
func WithName(name string) ProviderOption {
	return func(p *Provider) {
		p.name = name
	}
}

// WithoutStreaming marks the backend as non-streaming. StreamCompletion then
// issues a blocking request and delivers the response as one terminal chunk.
func WithoutStreaming() ProviderOption {
	return func(p *Provider) {
		p.streaming = false
	}
}

// WithHTTPClient sets a custom HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) ProviderOption {
	return func(p *Provider) {
		p.httpClient = client
	}
}

// NewProvider creates a new OpenAI-compatible provider with the given API key.
//
// If apiKey is empty, it will attempt to read from the OPENAI_API_KEY
// environment variable. If no base URL is provided via WithBaseURL, the
// OPENAI_BASE_URL environment variable is checked before falling back to the
// public OpenAI endpoint.
func NewProvider(apiKey string, opts ...ProviderOption) (*Provider, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}

	if apiKey == "" {
		return nil, fmt.Errorf("API key is required (provide via parameter or OPENAI_API_KEY environment variable)")
	}

	p := &Provider{
		model:      DefaultModel,
		apiKey:     apiKey,
		httpClient: &http.Client{},
		baseURL:    DefaultBaseURL,
		streaming:  true,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.baseURL == DefaultBaseURL {
		if envBaseURL := os.Getenv("OPENAI_BASE_URL"); envBaseURL != "" {
			p.baseURL = envBaseURL
		}
	}

	if p.name == "" {
		p.name = strings.TrimPrefix(strings.TrimPrefix(p.baseURL, "https://"), "http://")
	}

	return p, nil
}

// Name returns the configured endpoint name.
func (p *Provider) Name() string {
	return p.name
}

// SupportsStreaming reports whether the backend delivers incremental chunks.
func (p *Provider) SupportsStreaming() bool {
	return p.streaming
}

// Model returns the model name being used.
func (p *Provider) Model() string {
	return p.model
}

// BaseURL returns the base URL being used.
func (p *Provider) BaseURL() string {
	return p.baseURL
}

// StreamCompletion sends the request and streams back response chunks.
//
// The returned channel emits StreamChunk instances as the response is
// generated and is closed when streaming completes or an error occurs.
// Non-streaming backends deliver the whole response as one terminal chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req *llm.Request) (<-chan *llm.StreamChunk, error) {
	if !p.streaming {
		return p.completeAsStream(ctx, req)
	}

	resp, err := p.sendChatRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *llm.StreamChunk, 10)
	go p.processStreamResponse(ctx, resp, chunks)
	return chunks, nil
}

// completeAsStream wraps a blocking completion as a single-chunk stream.
func (p *Provider) completeAsStream(ctx context.Context, req *llm.Request) (<-chan *llm.StreamChunk, error) {
	chunks := make(chan *llm.StreamChunk, 1)
	go func() {
		defer close(chunks)
		chunk, err := p.completeChunk(ctx, req)
		if err != nil {
			chunks <- &llm.StreamChunk{Error: err}
			return
		}
		chunks <- chunk
	}()
	return chunks, nil
}

// sendChatRequest builds and sends the /chat/completions request.
func (p *Provider) sendChatRequest(ctx context.Context, req *llm.Request, stream bool) (*http.Response, error) {
	reqBody := map[string]interface{}{
		"model":    p.model,
		"messages": convertMessages(req.Messages),
		"stream":   stream,
	}

	if stream {
		// Ask compatible servers to report token usage on the final chunk.
		reqBody["stream_options"] = map[string]interface{}{"include_usage": true}
	}
	if tools := convertTools(req.Tools); len(tools) > 0 {
		reqBody["tools"] = tools
	}
	if req.MaxTokens > 0 {
		reqBody["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		reqBody["temperature"] = req.Temperature
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &llm.StatusError{
			Endpoint:   p.name,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	return resp, nil
}

// processStreamResponse processes the SSE stream and sends chunks to the channel.
func (p *Provider) processStreamResponse(ctx context.Context, resp *http.Response, chunks chan<- *llm.StreamChunk) {
	defer close(chunks)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	firstChunk := true
	acc := newToolCallAccumulator()
	var usage *llm.Usage

	for scanner.Scan() {
		line := scanner.Text()

		if !isValidSSELine(line) {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		if data == "[DONE]" {
			p.sendFinalChunk(ctx, acc, usage, chunks)
			return
		}

		done, ok := p.processSSEChunk(ctx, data, &firstChunk, acc, &usage, chunks)
		if !ok {
			return
		}
		if done {
			p.sendFinalChunk(ctx, acc, usage, chunks)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		chunks <- &llm.StreamChunk{Error: fmt.Errorf("stream read error: %w", err)}
		return
	}

	// Stream ended without [DONE]; still deliver what we accumulated.
	p.sendFinalChunk(ctx, acc, usage, chunks)
}

// isValidSSELine checks if a line is a valid SSE data line. Comment lines
// (leading colon) and blank keepalives are skipped.
func isValidSSELine(line string) bool {
	return line != "" && !strings.HasPrefix(line, ":") && strings.HasPrefix(line, "data: ")
}

// sendFinalChunk emits the terminal chunk carrying accumulated native tool
// calls and usage counters.
func (p *Provider) sendFinalChunk(ctx context.Context, acc *toolCallAccumulator, usage *llm.Usage, chunks chan<- *llm.StreamChunk) {
	p.sendChunkIfPresent(ctx, &llm.StreamChunk{
		Finished:  true,
		ToolCalls: acc.calls(),
		Usage:     usage,
	}, chunks)
}

// sendChunkIfPresent sends a chunk unless nil, honoring cancellation.
func (p *Provider) sendChunkIfPresent(ctx context.Context, chunk *llm.StreamChunk, chunks chan<- *llm.StreamChunk) bool {
	if chunk == nil {
		return true
	}
	select {
	case chunks <- chunk:
		return true
	case <-ctx.Done():
		chunks <- &llm.StreamChunk{Error: ctx.Err()}
		return false
	}
}

// sseDelta mirrors the fields of a streamed chat completion chunk we consume.
type sseDelta struct {
	Choices []struct {
		Delta struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// processSSEChunk processes a single SSE data payload. The first return value
// reports whether the response is finished; the second whether to keep reading.
func (p *Provider) processSSEChunk(ctx context.Context, data string, firstChunk *bool, acc *toolCallAccumulator, usage **llm.Usage, chunks chan<- *llm.StreamChunk) (bool, bool) {
	var chunk sseDelta
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return false, true // Skip malformed chunks silently
	}

	if chunk.Usage != nil {
		*usage = &llm.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}

	if len(chunk.Choices) == 0 {
		return false, true
	}

	choice := chunk.Choices[0]
	streamChunk := &llm.StreamChunk{}

	if *firstChunk && choice.Delta.Role != "" {
		streamChunk.Role = choice.Delta.Role
		*firstChunk = false
	}

	streamChunk.Content = choice.Delta.Content

	for _, tc := range choice.Delta.ToolCalls {
		acc.add(tc.Index, tc.ID, tc.Function.Name, tc.Function.Arguments)
	}

	if streamChunk.Content != "" || streamChunk.Role != "" {
		if !p.sendChunkIfPresent(ctx, streamChunk, chunks) {
			return false, false
		}
	}

	finished := choice.FinishReason != nil && *choice.FinishReason != ""
	return finished, true
}

// toolCallAccumulator reassembles native tool calls delivered as fragmented
// deltas keyed by choice index. Argument fragments concatenate in arrival
// order; id and name arrive on the first fragment.
type toolCallAccumulator struct {
	byIndex map[int]*partialToolCall
}

type partialToolCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]*partialToolCall)}
}

func (a *toolCallAccumulator) add(index int, id, name, argsFragment string) {
	pc, ok := a.byIndex[index]
	if !ok {
		pc = &partialToolCall{}
		a.byIndex[index] = pc
	}
	if id != "" {
		pc.id = id
	}
	if name != "" {
		pc.name = name
	}
	pc.args.WriteString(argsFragment)
}

// calls returns the completed tool calls in index order, or nil if none.
func (a *toolCallAccumulator) calls() []llm.NativeToolCall {
	if len(a.byIndex) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.byIndex))
	for i := range a.byIndex {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]llm.NativeToolCall, 0, len(indexes))
	for _, i := range indexes {
		pc := a.byIndex[i]
		out = append(out, llm.NativeToolCall{
			ID:        pc.id,
			Name:      pc.name,
			Arguments: json.RawMessage(pc.args.String()),
		})
	}
	return out
}

// chatResponse mirrors the non-streaming completion response body.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// completeChunk issues a blocking completion and converts the response body
// into a single terminal StreamChunk.
func (p *Provider) completeChunk(ctx context.Context, req *llm.Request) (*llm.StreamChunk, error) {
	resp, err := p.sendChatRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("response contained no choices")
	}

	msg := parsed.Choices[0].Message
	chunk := &llm.StreamChunk{
		Role:     msg.Role,
		Content:  msg.Content,
		Finished: true,
	}
	for _, tc := range msg.ToolCalls {
		chunk.ToolCalls = append(chunk.ToolCalls, llm.NativeToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	if parsed.Usage != nil {
		chunk.Usage = &llm.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
	}
	return chunk, nil
}

// Complete sends the request and returns the full response as one message.
func (p *Provider) Complete(ctx context.Context, req *llm.Request) (*types.Message, error) {
	chunk, err := p.completeChunk(ctx, req)
	if err != nil {
		return nil, err
	}

	role := chunk.Role
	if role == "" {
		role = string(types.RoleAssistant)
	}

	return &types.Message{
		Role:    types.MessageRole(role),
		Content: chunk.Content,
	}, nil
}

// convertMessages converts our Message format to OpenAI's
// ChatCompletionMessageParamUnion format.
//
// A tool-role message is only valid on the wire when a preceding assistant
// message declared its call id in tool_calls. Results whose id was never
// declared (text-dialect calls, or synthetic identities) are delivered
// in-band as user messages instead.
func convertMessages(messages []*types.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	declared := make(map[string]struct{})

	for _, msg := range messages {
		switch msg.Role {
		case types.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case types.RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case types.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{
				ToolCalls: make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls)),
			}
			if msg.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(msg.Content),
				}
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == "" {
					args = "{}"
				}
				declared[tc.ID] = struct{}{}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case types.RoleTool:
			if _, ok := declared[msg.ToolCallID]; ok && msg.ToolCallID != "" {
				out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
			} else {
				out = append(out, openai.UserMessage(inBandToolResult(msg)))
			}
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}

	return out
}

// inBandToolResult renders a tool result for delivery as a user message,
// keeping the tool attribution the wire-level form would have carried.
func inBandToolResult(msg *types.Message) string {
	if msg.ToolName == "" {
		return msg.Content
	}
	return fmt.Sprintf("Result of %s:\n%s", msg.ToolName, msg.Content)
}

// convertTools converts the tool manifest to the chat completions tool format.
func convertTools(tools []llm.ToolSpec) []map[string]interface{} {
	if len(tools) == 0 {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		params := t.Schema
		if params == nil {
			params = map[string]interface{}{"type": "object"}
		}
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return out
}
