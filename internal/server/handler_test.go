package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"livetable/internal/config"
	"livetable/internal/query"
	"livetable/internal/store"
	"livetable/internal/table"
)

func newTestApp(t *testing.T) (*fiber.App, *Broker) {
	t.Helper()

	ctx := context.Background()
	st, err := store.New(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		Path:   t.TempDir(),
		Name:   "handler_test",
	})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.EnsureTable(ctx, "User"); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}

	broker := NewBroker()
	h, err := NewHandler(st, broker, config.ServerConfig{
		JWTSecret: "test-secret",
		Username:  "admin",
		Password:  "admin",
	}, []string{"User"})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	RegisterRoutes(app, h)
	return app, broker
}

func doJSON(t *testing.T, app *fiber.App, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return m
}

func login(t *testing.T, app *fiber.App) string {
	t.Helper()
	resp := doJSON(t, app, "POST", "/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "admin",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	token, _ := body["access_token"].(string)
	if token == "" {
		t.Fatal("login returned no access_token")
	}
	return token
}

func recvEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	default:
		t.Fatal("no event published")
		return nil
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	app, _ := newTestApp(t)

	resp := doJSON(t, app, "POST", "/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestWritesRequireAuth(t *testing.T) {
	app, _ := newTestApp(t)

	resp := doJSON(t, app, "POST", "/v1/tables/User/rows", "", table.Row{"id": "1"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestUpsertRowInsertThenUpdate(t *testing.T) {
	app, broker := newTestApp(t)
	token := login(t, app)
	_, ch := broker.Subscribe("User", 8)

	resp := doJSON(t, app, "POST", "/v1/tables/User/rows", token,
		table.Row{"id": "1", "name": "Ada"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("insert status = %d, want 201", resp.StatusCode)
	}
	ev := recvEvent(t, ch)
	if len(ev.Changes) != 1 || ev.Changes[0].Op != table.OpInsert || ev.Changes[0].Row["name"] != "Ada" {
		t.Fatalf("insert event = %+v", ev)
	}

	resp = doJSON(t, app, "POST", "/v1/tables/User/rows", token,
		table.Row{"id": "1", "name": "Grace"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, want 200", resp.StatusCode)
	}
	ev = recvEvent(t, ch)
	if len(ev.Changes) != 1 || ev.Changes[0].Op != table.OpUpdate {
		t.Fatalf("update event = %+v", ev)
	}
	if ev.Changes[0].Old["name"] != "Ada" || ev.Changes[0].Row["name"] != "Grace" {
		t.Fatalf("update event old=%v new=%v", ev.Changes[0].Old, ev.Changes[0].Row)
	}
}

func TestUpsertRowValidation(t *testing.T) {
	app, _ := newTestApp(t)
	token := login(t, app)

	resp := doJSON(t, app, "POST", "/v1/tables/Nope/rows", token, table.Row{"id": "1"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown table status = %d, want 404", resp.StatusCode)
	}

	resp = doJSON(t, app, "POST", "/v1/tables/User/rows", token, table.Row{"name": "no id"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing id status = %d, want 400", resp.StatusCode)
	}
}

func TestApplyBatchSharesOneTx(t *testing.T) {
	app, broker := newTestApp(t)
	token := login(t, app)

	resp := doJSON(t, app, "POST", "/v1/tables/User/rows", token,
		table.Row{"id": "3", "name": "Del"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("seed status = %d", resp.StatusCode)
	}

	_, ch := broker.Subscribe("User", 8)
	resp = doJSON(t, app, "POST", "/v1/tables/User/tx", token, map[string]any{
		"rows": []table.Row{
			{"id": "1", "name": "Ada"},
			{"id": "2", "name": "Grace"},
		},
		"deletes": []string{"3", "never-existed"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("batch status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if n, _ := body["applied"].(float64); n != 3 {
		t.Fatalf("applied = %v, want 3", body["applied"])
	}

	// The whole batch arrives as one event under one tx, never as a
	// series of partial events.
	ev := recvEvent(t, ch)
	if len(ev.Changes) != 3 {
		t.Fatalf("event carries %d changes, want 3", len(ev.Changes))
	}
	ops := map[table.Op]int{}
	for _, change := range ev.Changes {
		ops[change.Op]++
	}
	if ops[table.OpInsert] != 2 || ops[table.OpDelete] != 1 {
		t.Fatalf("ops = %v", ops)
	}
	select {
	case ev := <-ch:
		t.Fatalf("transaction split across events: %+v", ev)
	default:
	}
}

func TestPatchRowMergesFields(t *testing.T) {
	app, broker := newTestApp(t)
	token := login(t, app)

	doJSON(t, app, "POST", "/v1/tables/User/rows", token,
		table.Row{"id": "1", "name": "Ada", "isActive": true})

	_, ch := broker.Subscribe("User", 8)
	resp := doJSON(t, app, "PATCH", "/v1/tables/User/rows/1", token,
		table.Row{"isActive": false})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	data, _ := body["data"].(map[string]any)
	if data["name"] != "Ada" || data["isActive"] != false {
		t.Fatalf("merged row = %v", data)
	}

	ev := recvEvent(t, ch)
	if len(ev.Changes) != 1 || ev.Changes[0].Op != table.OpUpdate || ev.Changes[0].Old["isActive"] != true {
		t.Fatalf("patch event = %+v", ev)
	}

	resp = doJSON(t, app, "PATCH", "/v1/tables/User/rows/404", token, table.Row{"x": 1})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("patch missing status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteRow(t *testing.T) {
	app, broker := newTestApp(t)
	token := login(t, app)

	doJSON(t, app, "POST", "/v1/tables/User/rows", token,
		table.Row{"id": "1", "name": "Ada"})

	_, ch := broker.Subscribe("User", 8)
	resp := doJSON(t, app, "DELETE", "/v1/tables/User/rows/1", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	ev := recvEvent(t, ch)
	if len(ev.Changes) != 1 || ev.Changes[0].Op != table.OpDelete || ev.Changes[0].Row["name"] != "Ada" {
		t.Fatalf("delete event = %+v", ev)
	}

	resp = doJSON(t, app, "DELETE", "/v1/tables/User/rows/1", token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateSubscription(t *testing.T) {
	app, _ := newTestApp(t)
	token := login(t, app)

	resp := doJSON(t, app, "POST", "/v1/subscribe", token,
		map[string]string{"query": "SELECT * FROM User WHERE isActive = TRUE"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("subscribe status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	id, _ := body["stream_id"].(string)
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("stream_id %q is not a uuid: %v", id, err)
	}

	for _, tc := range []struct {
		query string
		want  int
	}{
		{"SELECT * FROM Nope", http.StatusNotFound},
		{"DROP TABLE User", http.StatusBadRequest},
		{"SELECT * FROM User WHERE", http.StatusBadRequest},
	} {
		resp := doJSON(t, app, "POST", "/v1/subscribe", token,
			map[string]string{"query": tc.query})
		if resp.StatusCode != tc.want {
			t.Fatalf("subscribe %q status = %d, want %d", tc.query, resp.StatusCode, tc.want)
		}
	}
}

func TestStreamUnknownID(t *testing.T) {
	app, _ := newTestApp(t)
	token := login(t, app)

	resp := doJSON(t, app, "GET", fmt.Sprintf("/v1/stream/%s", uuid.New()), token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestFilterChanges(t *testing.T) {
	pred := query.Eq("isActive", true)
	tx := uuid.New()
	in := table.Row{"id": "1", "isActive": true}
	out := table.Row{"id": "1", "isActive": false}

	cases := []struct {
		name string
		ch   Change
		send bool
	}{
		{"matching insert", Change{Op: table.OpInsert, Row: in}, true},
		{"non-matching insert", Change{Op: table.OpInsert, Row: out}, false},
		{"matching delete", Change{Op: table.OpDelete, Row: in}, true},
		{"non-matching delete", Change{Op: table.OpDelete, Row: out}, false},
		{"entering update", Change{Op: table.OpUpdate, Old: out, Row: in}, true},
		{"leaving update", Change{Op: table.OpUpdate, Old: in, Row: out}, true},
		{"staying-in update", Change{Op: table.OpUpdate, Old: in, Row: in}, true},
		{"staying-out update", Change{Op: table.OpUpdate, Old: out, Row: out}, false},
	}
	for _, tc := range cases {
		got, send := filterChanges(pred, &Event{Tx: tx, Changes: []Change{tc.ch}})
		if send != tc.send {
			t.Fatalf("%s: send = %v, want %v", tc.name, send, tc.send)
		}
		if !send {
			continue
		}
		if got.Tx != tx || len(got.Changes) != 1 {
			t.Fatalf("%s: got %+v", tc.name, got)
		}
		// Ops pass through untouched: a leaving update must NOT become a
		// delete here, because subscriptions over the same table share
		// one client-side cache and the row still exists upstream.
		if got.Changes[0].Op != tc.ch.Op {
			t.Fatalf("%s: op rewritten to %s", tc.name, got.Changes[0].Op)
		}
	}

	// A mixed transaction keeps only its relevant changes, under the
	// original tx.
	got, send := filterChanges(pred, &Event{Tx: tx, Changes: []Change{
		{Op: table.OpInsert, Row: in},
		{Op: table.OpInsert, Row: out},
		{Op: table.OpUpdate, Old: in, Row: out},
	}})
	if !send || got.Tx != tx || len(got.Changes) != 2 {
		t.Fatalf("mixed transaction filtered to %+v", got)
	}

	// Nil predicate passes everything through untouched.
	ev := &Event{Tx: tx, Changes: []Change{{Op: table.OpUpdate, Old: out, Row: out}}}
	if got, send := filterChanges(nil, ev); !send || got != ev {
		t.Fatal("nil predicate must pass events through")
	}
}
