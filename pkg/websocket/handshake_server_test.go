package websocket

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHeaderContainsToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		token  string
		want   bool
	}{
		{name: "exact", header: "websocket", token: "websocket", want: true},
		{name: "case_insensitive", header: "WebSocket", token: "websocket", want: true},
		{name: "multi_value", header: "Upgrade, HTTP/2.0", token: "upgrade", want: true},
		{name: "absent", header: "keep-alive", token: "upgrade", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := headerContainsToken(tt.header, tt.token); got != tt.want {
				t.Errorf("headerContainsToken(%q, %q) = %v, want %v", tt.header, tt.token, got, tt.want)
			}
		})
	}
}

func TestNegotiateSubprotocol(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Sec-WebSocket-Protocol", "chat, superchat")

	tests := []struct {
		name    string
		offered []string
		want    string
	}{
		{name: "first_match", offered: []string{"superchat", "chat"}, want: "superchat"},
		{name: "second_match", offered: []string{"nope", "chat"}, want: "chat"},
		{name: "no_match", offered: []string{"nope"}, want: ""},
		{name: "none_offered", offered: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := negotiateSubprotocol(req, tt.offered); got != tt.want {
				t.Errorf("negotiateSubprotocol() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCheckSameOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)

	if !CheckSameOrigin(req) {
		t.Error("CheckSameOrigin() = false for request without an Origin header, want true")
	}

	req.Header.Set("Origin", "http://example.com")
	if !CheckSameOrigin(req) {
		t.Error("CheckSameOrigin() = false for matching origin, want true")
	}

	req.Header.Set("Origin", "http://evil.example")
	if CheckSameOrigin(req) {
		t.Error("CheckSameOrigin() = true for mismatched origin, want false")
	}
}

func TestUpgrade(t *testing.T) {
	tests := []struct {
		name    string
		opts    []UpgradeOpt
		mutate  func(r *http.Request)
		wantErr bool
	}{
		{
			name: "happy_path",
		},
		{
			name: "wrong_method",
			mutate: func(r *http.Request) {
				r.Method = http.MethodPost
			},
			wantErr: true,
		},
		{
			name: "missing_upgrade_header",
			mutate: func(r *http.Request) {
				r.Header.Del("Upgrade")
			},
			wantErr: true,
		},
		{
			name: "wrong_version",
			mutate: func(r *http.Request) {
				r.Header.Set("Sec-WebSocket-Version", "8")
			},
			wantErr: true,
		},
		{
			name: "missing_key",
			mutate: func(r *http.Request) {
				r.Header.Del("Sec-WebSocket-Key")
			},
			wantErr: true,
		},
		{
			// A client that never asks for a subprotocol shouldn't be
			// rejected just because the server happens to support some.
			name: "subprotocols_configured_but_not_requested",
			opts: []UpgradeOpt{WithServerSubprotocols("chat", "superchat")},
		},
		{
			name: "subprotocols_configured_and_mismatched",
			opts: []UpgradeOpt{WithServerSubprotocols("chat", "superchat")},
			mutate: func(r *http.Request) {
				r.Header.Set("Sec-WebSocket-Protocol", "nope")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var upgradeErr error
			s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, upgradeErr = Upgrade(w, r, tt.opts...)
			}))
			defer s.Close()

			req, err := http.NewRequest(http.MethodGet, s.URL, nil) //nolint:noctx // Test helper.
			if err != nil {
				t.Fatalf("http.NewRequest() error = %v", err)
			}
			req.Header.Set("Upgrade", "websocket")
			req.Header.Set("Connection", "Upgrade")
			req.Header.Set("Sec-WebSocket-Version", "13")
			req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
			if tt.mutate != nil {
				tt.mutate(req)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("http.Client.Do() error = %v", err)
			}
			defer resp.Body.Close()

			if (upgradeErr != nil) != tt.wantErr {
				t.Errorf("Upgrade() error = %v, wantErr %v", upgradeErr, tt.wantErr)
			}
		})
	}
}
