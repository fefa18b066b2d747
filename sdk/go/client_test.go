package heroinitsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientStatusAndAdvance(t *testing.T) {
	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/v0/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Status{Turn: 2, Segment: 4, Current: "Grond", Combatants: []Combatant{{Name: "Grond", Speed: 3, Current: true}}})
	})
	mux.HandleFunc("/v0/advance", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		json.NewEncoder(w).Encode(Step{Turn: 2, Segment: 8, Actor: "Grond"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Current != "Grond" || st.Segment != 4 || len(st.Combatants) != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
	step, err := c.Advance(context.Background())
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if step.Segment != 8 || gotAuth != "Bearer tok" {
		t.Fatalf("unexpected step %+v auth %q", step, gotAuth)
	}
}

func TestClientErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"not_found","message":"not found: \"Zed\""}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Combatant(context.Background(), "Zed")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "not_found" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestClientEventsPage(t *testing.T) {
	var gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("/v0/events", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(PaginatedEvents{
			Items: []Event{
				{ID: 7, Type: "turn.advance", Combatant: "Grond", Turn: 1, Segment: 4, Payload: map[string]any{"actor": "Grond"}},
			},
			NextCursor: "7",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	page, err := c.EventsPage(context.Background(), 5, "3")
	if err != nil {
		t.Fatalf("events page: %v", err)
	}
	if gotQuery != "cursor=3&limit=5" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if len(page.Items) != 1 || page.Items[0].Segment != 4 || page.Items[0].Payload["actor"] != "Grond" || page.NextCursor != "7" {
		t.Fatalf("unexpected page: %+v", page)
	}

	if _, err := c.EventsPage(context.Background(), 0, ""); err != nil {
		t.Fatalf("events page without query: %v", err)
	}
	if gotQuery != "" {
		t.Fatalf("expected no query, got %q", gotQuery)
	}
}
