package api

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/nghyane/codex-mux/internal/account"
	"github.com/nghyane/codex-mux/internal/config"
	"github.com/nghyane/codex-mux/internal/ledger"
	"github.com/nghyane/codex-mux/internal/proxy"
	"github.com/nghyane/codex-mux/internal/sticky"
	"github.com/nghyane/codex-mux/internal/upstream"
)

func sseBody(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			fmt.Fprint(w, frame)
		}
	}
}

func frame(eventType, data string) string {
	return "event: " + eventType + "\ndata: " + data + "\n\n"
}

const completedFrame = `{"type":"response.completed","response":{"usage":{"input_tokens":3,"output_tokens":5,"total_tokens":8}}}`

type testGateway struct {
	server *httptest.Server
	ledger *ledger.Ledger
}

func newTestGateway(t *testing.T, cfg *config.Config, upstreamHandler http.HandlerFunc, ids ...string) *testGateway {
	t.Helper()

	upstreamSrv := httptest.NewServer(upstreamHandler)
	t.Cleanup(upstreamSrv.Close)

	ldg := ledger.New(time.Hour, ledger.Pricing{})
	accounts := make([]*account.Account, 0, len(ids))
	for _, id := range ids {
		ldg.Register(id, ledger.Healthy)
		accounts = append(accounts, &account.Account{
			ID:         id,
			Name:       "acct " + id,
			Credential: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok-" + id}),
		})
	}
	pool := account.NewPool(accounts, ldg)
	router := sticky.NewRouter(sticky.NewMemoryStore(time.Hour), pool, ldg)

	client, err := upstream.NewClient(config.UpstreamConfig{BaseURL: upstreamSrv.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	core := proxy.New(router, pool, ldg, client, config.RoutingConfig{
		MaxRetries:  1,
		BackoffBase: time.Millisecond,
		BackoffMax:  time.Millisecond,
	})

	server := NewServer(Deps{
		Config: func() *config.Config { return cfg },
		Proxy:  core,
		Ledger: ldg,
		Pool:   pool,
	})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &testGateway{server: srv, ledger: ldg}
}

func postJSON(t *testing.T, url, apiKey, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return resp, string(raw)
}

func TestHealthz(t *testing.T) {
	gw := newTestGateway(t, &config.Config{}, sseBody(), "a")
	resp, body := func() (*http.Response, string) {
		resp, err := http.Get(gw.server.URL + "/healthz")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return resp, string(raw)
	}()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	parsed := gjson.Parse(body)
	if parsed.Get("status").String() != "ok" || parsed.Get("accounts").Int() != 1 {
		t.Fatalf("body = %s", body)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	cfg := &config.Config{APIKeys: []string{"secret"}}
	gw := newTestGateway(t, cfg, sseBody(frame("response.completed", completedFrame)), "a")

	resp, body := postJSON(t, gw.server.URL+"/v1/responses", "", `{"model":"m"}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, body %s", resp.StatusCode, body)
	}
	if gjson.Parse(body).Get("error.code").String() != "invalid_api_key" {
		t.Fatalf("body = %s", body)
	}

	resp, _ = postJSON(t, gw.server.URL+"/v1/responses", "secret", `{"model":"m"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with key = %d", resp.StatusCode)
	}
}

func TestResponsesPassthrough(t *testing.T) {
	gw := newTestGateway(t, &config.Config{}, sseBody(
		frame("response.output_text.delta", `{"type":"response.output_text.delta","delta":"hi"}`),
		frame("response.completed", completedFrame),
	), "a")

	resp, body := postJSON(t, gw.server.URL+"/v1/responses", "", `{"model":"m"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.Contains(body, "event: response.output_text.delta") ||
		!strings.Contains(body, "event: response.completed") {
		t.Fatalf("body = %q", body)
	}
}

func TestResponsesInvalidBody(t *testing.T) {
	gw := newTestGateway(t, &config.Config{}, sseBody(), "a")

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"model": `},
		{name: "missing model", body: `{"input": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := postJSON(t, gw.server.URL+"/v1/responses", "", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			if gjson.Parse(body).Get("error.type").String() != "invalid_request_error" {
				t.Fatalf("body = %s", body)
			}
		})
	}
}

func TestResponsesNoAccounts(t *testing.T) {
	gw := newTestGateway(t, &config.Config{}, sseBody())

	resp, body := postJSON(t, gw.server.URL+"/v1/responses", "", `{"model":"m"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if gjson.Parse(body).Get("error.code").String() != "no_accounts" {
		t.Fatalf("body = %s", body)
	}
}

func TestChatCompletionsAggregated(t *testing.T) {
	gw := newTestGateway(t, &config.Config{}, sseBody(
		frame("response.output_text.delta", `{"type":"response.output_text.delta","delta":"hel"}`),
		frame("response.output_text.delta", `{"type":"response.output_text.delta","delta":"lo"}`),
		frame("response.completed", completedFrame),
	), "a")

	resp, body := postJSON(t, gw.server.URL+"/v1/chat/completions", "",
		`{"model":"gpt-test","messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	parsed := gjson.Parse(body)
	if parsed.Get("object").String() != "chat.completion" {
		t.Fatalf("object = %q", parsed.Get("object").String())
	}
	if got := parsed.Get("choices.0.message.content").String(); got != "hello" {
		t.Fatalf("content = %q", got)
	}
	if got := parsed.Get("usage.total_tokens").Int(); got != 8 {
		t.Fatalf("usage.total_tokens = %d", got)
	}
}

func TestChatCompletionsStreamed(t *testing.T) {
	gw := newTestGateway(t, &config.Config{}, sseBody(
		frame("response.output_text.delta", `{"type":"response.output_text.delta","delta":"hi"}`),
		frame("response.completed", completedFrame),
	), "a")

	resp, body := postJSON(t, gw.server.URL+"/v1/chat/completions", "",
		`{"model":"gpt-test","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if !strings.Contains(body, `"object":"chat.completion.chunk"`) {
		t.Fatalf("body = %q", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("stream did not end with done marker: %q", body)
	}
}

func TestManagementPauseResume(t *testing.T) {
	gw := newTestGateway(t, &config.Config{}, sseBody(), "a")

	resp, body := postJSON(t, gw.server.URL+"/v1/management/accounts/a/pause", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause status = %d, body %s", resp.StatusCode, body)
	}
	if got := gw.ledger.Availability("a"); got != ledger.Disabled {
		t.Fatalf("availability after pause = %s", got)
	}

	listResp, listBody := func() (*http.Response, string) {
		resp, err := http.Get(gw.server.URL + "/v1/management/accounts")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return resp, string(raw)
	}()
	if listResp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", listResp.StatusCode)
	}
	if got := gjson.Parse(listBody).Get("data.0.availability").String(); got != "disabled" {
		t.Fatalf("listed availability = %q, body %s", got, listBody)
	}

	resp, _ = postJSON(t, gw.server.URL+"/v1/management/accounts/a/resume", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d", resp.StatusCode)
	}
	if got := gw.ledger.Availability("a"); got != ledger.Healthy {
		t.Fatalf("availability after resume = %s", got)
	}

	resp, _ = postJSON(t, gw.server.URL+"/v1/management/accounts/nope/pause", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown account status = %d", resp.StatusCode)
	}
}
