package wsgateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/clickety-clacks/clawline/internal/apierr"
	"github.com/clickety-clacks/clawline/internal/domain"
)

func TestIsValidDeviceID(t *testing.T) {
	cases := map[string]bool{
		"550e8400-e29b-41d4-a716-446655440000": true,
		"not-a-uuid":                           false,
		"550e8400e29b41d4a716446655440000":     false,
		"":                                     false,
	}
	for id, want := range cases {
		if got := isValidDeviceID(id); got != want {
			t.Errorf("isValidDeviceID(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestValidDeviceInfo(t *testing.T) {
	if !validDeviceInfo(domain.DeviceInfo{Platform: "ios", Model: "iPhone15,2"}) {
		t.Fatalf("expected a populated, reasonably-sized device info to validate")
	}
	if validDeviceInfo(domain.DeviceInfo{Platform: "", Model: "iPhone15,2"}) {
		t.Fatalf("expected an empty platform to be rejected")
	}
	if validDeviceInfo(domain.DeviceInfo{Platform: "ios", Model: ""}) {
		t.Fatalf("expected an empty model to be rejected")
	}
	if validDeviceInfo(domain.DeviceInfo{Platform: strings.Repeat("x", 65), Model: "m"}) {
		t.Fatalf("expected an oversized platform to be rejected")
	}
}

func TestReplayFrameDerivesRoleFromOriginatingDevice(t *testing.T) {
	userFrame := replayFrame(&domain.Event{
		ID:                  "e1",
		SessionKey:          "agent:a:clawline:u1:main",
		OriginatingDeviceID: "d1",
		PayloadJSON:         `{"content":"hi"}`,
		Timestamp:           time.Now(),
	})
	if userFrame.Role != "user" {
		t.Fatalf("expected role user for an event with an originating device, got %q", userFrame.Role)
	}

	assistantFrame := replayFrame(&domain.Event{
		ID:          "e2",
		SessionKey:  "agent:a:clawline:u1:main",
		PayloadJSON: `{"content":"hi"}`,
		Timestamp:   time.Now(),
	})
	if assistantFrame.Role != "assistant" {
		t.Fatalf("expected role assistant for an event with no originating device, got %q", assistantFrame.Role)
	}
}

func TestMustMarshal(t *testing.T) {
	data := mustMarshal(map[string]string{"hello": "world"})
	var decoded map[string]string
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["hello"] != "world" {
		t.Fatalf("unexpected roundtrip: %+v", decoded)
	}
}

func TestErrorFrameBytes(t *testing.T) {
	data := errorFrameBytes(string(apierr.InvalidMessage), "bad frame")
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "error" {
		t.Fatalf("expected an error frame type, got %+v", decoded)
	}
}

func TestCheckOriginDevModeAllowsAnyOrigin(t *testing.T) {
	g := &Gateway{isDev: true, allowedOrigin: "https://example.com"}
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	if !g.checkOrigin(req) {
		t.Fatalf("expected dev mode to allow any origin")
	}
}

func TestCheckOriginWildcardAllowsAnyOrigin(t *testing.T) {
	g := &Gateway{isDev: false, allowedOrigin: "*"}
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://anything.example")
	if !g.checkOrigin(req) {
		t.Fatalf("expected a wildcard allowed origin to accept any Origin header")
	}
}

func TestCheckOriginRejectsMismatch(t *testing.T) {
	g := &Gateway{isDev: false, allowedOrigin: "https://example.com"}
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.example")
	if g.checkOrigin(req) {
		t.Fatalf("expected a mismatched origin to be rejected")
	}
}

func TestCheckOriginAllowsMatchingOrigin(t *testing.T) {
	g := &Gateway{isDev: false, allowedOrigin: "https://example.com"}
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://example.com")
	if !g.checkOrigin(req) {
		t.Fatalf("expected a matching origin to be allowed")
	}
}

func TestCheckOriginAllowsMissingOriginHeader(t *testing.T) {
	g := &Gateway{isDev: false, allowedOrigin: "https://example.com"}
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !g.checkOrigin(req) {
		t.Fatalf("expected a request with no Origin header (non-browser client) to be allowed")
	}
}
