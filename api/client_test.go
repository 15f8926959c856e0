package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestClient(t *testing.T, token string, h http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	base, err := url.Parse(ts.URL + "/generate")
	if err != nil {
		t.Fatal(err)
	}
	return NewClient(base, ts.Client(), token)
}

func TestGenerate(t *testing.T) {
	var gotAuth string
	var gotReq GenerateRequest
	c := newTestClient(t, "secret", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/generate" {
			t.Errorf("unerwarteter Request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Error(err)
		}
		w.Write([]byte(`{"text":"  Try reflective listening.\n"}`))
	})

	text, err := c.Generate(context.Background(), "client is withdrawn")
	if err != nil {
		t.Fatal(err)
	}
	if text != "Try reflective listening." {
		t.Errorf("Text nicht getrimmt: %q", text)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization erwartet, erhalten %q", gotAuth)
	}
	if diff := cmp.Diff(GenerateRequest{Prompt: "client is withdrawn"}, gotReq); diff != "" {
		t.Errorf("Request falsch (-want +got):\n%s", diff)
	}
}

func TestGenerateWithoutToken(t *testing.T) {
	c := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
		if h := r.Header.Get("Authorization"); h != "" {
			t.Errorf("kein Authorization-Header erwartet, erhalten %q", h)
		}
		w.Write([]byte(`{"text":"ok"}`))
	})

	if _, err := c.Generate(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
}

func TestGenerateErrors(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		body       string
		unexpected bool
	}{
		{"server error", http.StatusServiceUnavailable, "space is sleeping", false},
		{"not found", http.StatusNotFound, `{"detail":"Not Found"}`, false},
		{"missing text", http.StatusOK, `{"generated":"hi"}`, true},
		{"text not a string", http.StatusOK, `{"text":42}`, true},
		{"not json", http.StatusOK, `<html>`, true},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, "", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := c.Generate(context.Background(), "x")
			if err == nil {
				t.Fatal("Fehler erwartet")
			}

			if tt.unexpected {
				if !IsUnexpectedResponse(err) {
					t.Fatalf("UnexpectedResponseError erwartet, erhalten %v", err)
				}
				var u UnexpectedResponseError
				errors.As(err, &u)
				if u.Body != tt.body {
					t.Errorf("Body erwartet %q, erhalten %q", tt.body, u.Body)
				}
				return
			}

			var se StatusError
			if !errors.As(err, &se) {
				t.Fatalf("StatusError erwartet, erhalten %T", err)
			}
			if se.StatusCode != tt.status || se.ErrorMessage != tt.body {
				t.Errorf("StatusError falsch: %+v", se)
			}
		})
	}
}

func TestMessageRoleLowercase(t *testing.T) {
	var conv Conversation
	if err := json.Unmarshal([]byte(`{"messages":[{"role":"User","content":"a"},{"role":"ASSISTANT","content":"b"}]}`), &conv); err != nil {
		t.Fatal(err)
	}

	want := Conversation{Messages: []Message{{Role: RoleUser, Content: "a"}, {Role: RoleAssistant, Content: "b"}}}
	if diff := cmp.Diff(want, conv); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}
