package proxy

import (
	"net/http"
	"testing"

	"github.com/lkarlslund/chatgate/pkg/config"
)

func TestResolveURL(t *testing.T) {
	cases := []struct {
		baseURL  string
		protocol string
		subpath  string
		query    string
		want     string
	}{
		{baseURL: "", protocol: "", subpath: "v1/chat/completions", want: "https://api.openai.com/v1/chat/completions"},
		{baseURL: "proxy.internal:8080", protocol: "http", subpath: "/v1/models", want: "http://proxy.internal:8080/v1/models"},
		{baseURL: "https://gw.example.com/openai/", protocol: "http", subpath: "dashboard/billing/usage", query: "start_date=2024-01-01", want: "https://gw.example.com/openai/dashboard/billing/usage?start_date=2024-01-01"},
	}
	for _, tc := range cases {
		cfg := config.NewDefaultServerConfig()
		cfg.BaseURL = tc.baseURL
		cfg.Protocol = tc.protocol
		cfg.Normalize()
		u := NewUpstream(*cfg, nil)
		if got := u.ResolveURL(tc.subpath, tc.query); got != tc.want {
			t.Fatalf("ResolveURL(%q) with base %q = %q, want %q", tc.subpath, tc.baseURL, got, tc.want)
		}
	}
}

func TestApplyHeadersSkipsUnsetValues(t *testing.T) {
	cfg := config.NewDefaultServerConfig()
	u := NewUpstream(*cfg, nil)
	h := http.Header{}
	u.applyHeaders(h, "")
	if h.Get("Authorization") != "" {
		t.Fatalf("empty authorization must not be sent, got %q", h.Get("Authorization"))
	}
	for _, k := range []string{headerOrganization, headerEdgeClientID, headerEdgeClientSecret} {
		if _, ok := h[http.CanonicalHeaderKey(k)]; ok {
			t.Fatalf("header %s must be absent when unset", k)
		}
	}
	if h.Get("Content-Type") != "application/json" || h.Get("Cache-Control") != "no-store" {
		t.Fatalf("unexpected fixed headers: %v", h)
	}
}

func TestCopyHeadersDropsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Set("Connection", "keep-alive")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Content-Length", "12")
	src.Set("Content-Type", "application/json")
	src.Add("Set-Cookie", "a=1")
	src.Add("Set-Cookie", "b=2")
	dst := http.Header{}
	copyHeaders(dst, src)

	for _, k := range []string{"Connection", "Transfer-Encoding", "Content-Length"} {
		if dst.Get(k) != "" {
			t.Fatalf("%s must not be copied", k)
		}
	}
	if len(dst.Values("Set-Cookie")) != 2 || dst.Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected copied headers: %v", dst)
	}
}
