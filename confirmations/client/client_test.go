package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPClientDo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			t.Errorf("expected '%v' but got '%v'", http.MethodPost, req.Method)
		}
		if contentType := req.Header.Get("Content-Type"); contentType != "application/json" {
			t.Errorf("expected '%v' but got '%v'", "application/json", contentType)
		}
		if digest := req.Header.Get("digest"); digest != "SHA-256=abc" {
			t.Errorf("expected '%v' but got '%v'", "SHA-256=abc", digest)
		}
		body, _ := io.ReadAll(req.Body)
		if string(body) != `{"blindedTokens":[]}` {
			t.Errorf("unexpected body '%v'", string(body))
		}

		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusCreated)
		rw.Write([]byte(`{"nonce":"abc"}`))
	}))
	defer server.Close()

	c := NewHTTPClient(0, nil)
	resp, err := c.Do(context.Background(), Request{
		Method:      http.MethodPost,
		URL:         server.URL + "/v1/confirmation/token/abc",
		Headers:     http.Header{"digest": []string{"SHA-256=abc"}},
		Body:        []byte(`{"blindedTokens":[]}`),
		ContentType: "application/json",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected '%v' but got '%v'", http.StatusCreated, resp.StatusCode)
	}
	if string(resp.Body) != `{"nonce":"abc"}` {
		t.Fatalf("expected '%v' but got '%v'", `{"nonce":"abc"}`, string(resp.Body))
	}
	if resp.Headers.Get("Content-Type") != "application/json" {
		t.Fatalf("expected content type header in response")
	}
}

func TestHTTPClientUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	c := NewHTTPClient(0, nil)
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: url})
	if err == nil {
		t.Fatal("expected error for unreachable server")
	}
}
