package genai

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// mockChatService returns canned responses in order.
type mockChatService struct {
	responses []string
	err       error
	calls     int
	prompts   []string
}

func (m *mockChatService) New(_ context.Context, params openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.calls++
	if len(params.Messages) > 0 {
		last := params.Messages[len(params.Messages)-1]
		if last.OfUser != nil {
			m.prompts = append(m.prompts, last.OfUser.Content.OfString.Value)
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	idx := m.calls - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: m.responses[idx]}},
		},
	}, nil
}

func newTestClient(t *testing.T, mock *mockChatService) *Client {
	t.Helper()
	client, err := NewClient(WithChatService(mock))
	if err != nil {
		t.Fatal(err)
	}
	return client
}

func TestGeneratePrompt(t *testing.T) {
	mock := &mockChatService{responses: []string{"hello there"}}
	client := newTestClient(t, mock)
	got, err := client.GeneratePrompt(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("GeneratePrompt() error = %v", err)
	}
	if got != "hello there" {
		t.Errorf("got %q", got)
	}
}

func TestGeneratePromptError(t *testing.T) {
	mock := &mockChatService{err: errors.New("api down")}
	client := newTestClient(t, mock)
	if _, err := client.GeneratePrompt(context.Background(), "s", "u"); err == nil {
		t.Error("expected error")
	}
}

func TestGenerateJSONCleanResponse(t *testing.T) {
	mock := &mockChatService{responses: []string{`{"items":[{"query":"rice","grams":100}]}`}}
	client := newTestClient(t, mock)
	var out struct {
		Items []struct {
			Query string  `json:"query"`
			Grams float64 `json:"grams"`
		} `json:"items"`
	}
	if err := client.GenerateJSON(context.Background(), "", "s", "u", &out); err != nil {
		t.Fatalf("GenerateJSON() error = %v", err)
	}
	if len(out.Items) != 1 || out.Items[0].Query != "rice" {
		t.Errorf("out = %+v", out)
	}
	if mock.calls != 1 {
		t.Errorf("calls = %d, want 1", mock.calls)
	}
}

func TestGenerateJSONExtractsEmbeddedObject(t *testing.T) {
	mock := &mockChatService{responses: []string{"Sure! Here you go:\n```json\n{\"ok\":true}\n```"}}
	client := newTestClient(t, mock)
	var out struct {
		OK bool `json:"ok"`
	}
	if err := client.GenerateJSON(context.Background(), "", "s", "u", &out); err != nil {
		t.Fatalf("GenerateJSON() error = %v", err)
	}
	if !out.OK {
		t.Error("embedded object not extracted")
	}
}

func TestGenerateJSONStrictRetry(t *testing.T) {
	mock := &mockChatService{responses: []string{"not json at all", `{"ok":true}`}}
	client := newTestClient(t, mock)
	var out struct {
		OK bool `json:"ok"`
	}
	if err := client.GenerateJSON(context.Background(), "", "s", "u", &out); err != nil {
		t.Fatalf("GenerateJSON() error = %v", err)
	}
	if mock.calls != 2 {
		t.Errorf("calls = %d, want 2 (one strict retry)", mock.calls)
	}
	if len(mock.prompts) == 2 && mock.prompts[1] == mock.prompts[0] {
		t.Error("retry prompt was not strengthened")
	}
}

func TestGenerateJSONGivesUpAfterRetry(t *testing.T) {
	mock := &mockChatService{responses: []string{"garbage", "still garbage"}}
	client := newTestClient(t, mock)
	var out map[string]any
	if err := client.GenerateJSON(context.Background(), "", "s", "u", &out); err == nil {
		t.Error("expected error after failed retry")
	}
	if mock.calls != 2 {
		t.Errorf("calls = %d, want exactly 2", mock.calls)
	}
}

func TestDecodeJSONBlock(t *testing.T) {
	var out struct {
		N int `json:"n"`
	}
	if err := DecodeJSONBlock(`  {"n": 3}  `, &out); err != nil || out.N != 3 {
		t.Errorf("plain object: err=%v out=%+v", err, out)
	}
	if err := DecodeJSONBlock(`prefix {"n": 7} suffix`, &out); err != nil || out.N != 7 {
		t.Errorf("embedded object: err=%v out=%+v", err, out)
	}
	if err := DecodeJSONBlock(`no braces here`, &out); err == nil {
		t.Error("expected error for brace-free text")
	}
}
