package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"livetable/internal/config"
	"livetable/internal/query"
	"livetable/internal/store"
	"livetable/internal/table"
	"livetable/internal/view"
)

// Handler serves the feed API: auth, row writes, and per-subscription
// SSE change streams.
type Handler struct {
	store        *store.Store
	broker       *Broker
	cfg          config.ServerConfig
	passwordHash string
	tables       map[string]bool

	mu   sync.Mutex
	subs map[string]*subscription
}

// subscription is one registered query awaiting (or feeding) its stream.
type subscription struct {
	table string
	pred  query.Expr
}

func NewHandler(s *store.Store, b *Broker, cfg config.ServerConfig, tables []string) (*Handler, error) {
	hash := cfg.PasswordHash
	if hash == "" {
		var err error
		hash, err = HashPassword(cfg.Password)
		if err != nil {
			return nil, err
		}
	}
	known := make(map[string]bool, len(tables))
	for _, t := range tables {
		known[t] = true
	}
	return &Handler{
		store:        s,
		broker:       b,
		cfg:          cfg,
		passwordHash: hash,
		tables:       known,
		subs:         make(map[string]*subscription),
	}, nil
}

// RegisterRoutes wires the handler into a Fiber app.
func RegisterRoutes(app *fiber.App, h *Handler) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Post("/v1/auth/login", h.Login)

	authMW := AuthMiddleware(h.cfg.JWTSecret)
	app.Post("/v1/subscribe", authMW, h.CreateSubscription)
	app.Get("/v1/stream/:id", authMW, h.Stream)
	app.Post("/v1/tables/:table/rows", authMW, h.UpsertRow)
	app.Post("/v1/tables/:table/tx", authMW, h.ApplyBatch)
	app.Patch("/v1/tables/:table/rows/:id", authMW, h.PatchRow)
	app.Delete("/v1/tables/:table/rows/:id", authMW, h.DeleteRow)
}

// ErrorHandler maps AppError to its status and JSON envelope.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
	}
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(ErrorResponse{
			Error: &AppError{Code: "HTTP_ERROR", Message: fiberErr.Message},
		})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
		Error: &AppError{Code: "INTERNAL_ERROR", Message: "Internal server error"},
	})
}

// Login handles POST /v1/auth/login.
func (h *Handler) Login(c *fiber.Ctx) error {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&body); err != nil {
		return InvalidPayloadError("Malformed login body")
	}
	if body.Username != h.cfg.Username || !CheckPassword(body.Password, h.passwordHash) {
		return UnauthorizedError("Invalid credentials")
	}

	token, err := GenerateAccessToken(body.Username, h.cfg.JWTSecret)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return c.JSON(fiber.Map{"access_token": token})
}

func (h *Handler) resolveTable(c *fiber.Ctx) (string, error) {
	name := c.Params("table")
	if !h.tables[name] {
		return "", UnknownTableError(name)
	}
	return name, nil
}

// UpsertRow handles POST /v1/tables/:table/rows. The write and its
// change event share one freshly minted transaction id.
func (h *Handler) UpsertRow(c *fiber.Ctx) error {
	tbl, err := h.resolveTable(c)
	if err != nil {
		return err
	}

	var row table.Row
	if err := c.BodyParser(&row); err != nil {
		return InvalidPayloadError("Malformed row body")
	}
	key, err := rowKey(row)
	if err != nil {
		return err
	}

	tx := uuid.New()
	old, created, err := h.store.UpsertRow(c.Context(), tbl, key, row)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", tbl, key, err)
	}

	if created {
		h.broker.Publish(tbl, &Event{Tx: tx, Changes: []Change{{Op: table.OpInsert, Row: row}}})
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": row, "tx": tx})
	}
	h.broker.Publish(tbl, &Event{Tx: tx, Changes: []Change{{Op: table.OpUpdate, Row: row, Old: old}}})
	return c.JSON(fiber.Map{"data": row, "tx": tx})
}

// ApplyBatch handles POST /v1/tables/:table/tx: several row writes under
// a single transaction identity, so subscribers can coalesce the
// recompute work the burst causes.
func (h *Handler) ApplyBatch(c *fiber.Ctx) error {
	tbl, err := h.resolveTable(c)
	if err != nil {
		return err
	}

	var body struct {
		Rows    []table.Row `json:"rows"`
		Deletes []string    `json:"deletes"`
	}
	if err := c.BodyParser(&body); err != nil {
		return InvalidPayloadError("Malformed batch body")
	}
	if len(body.Rows) == 0 && len(body.Deletes) == 0 {
		return InvalidPayloadError("Empty batch")
	}

	// All of the batch's changes go out as a single event so subscribers
	// see the transaction whole, never a prefix of it.
	tx := uuid.New()
	changes := make([]Change, 0, len(body.Rows)+len(body.Deletes))
	for _, row := range body.Rows {
		key, err := rowKey(row)
		if err != nil {
			return err
		}
		old, created, err := h.store.UpsertRow(c.Context(), tbl, key, row)
		if err != nil {
			return fmt.Errorf("batch upsert %s/%s: %w", tbl, key, err)
		}
		if created {
			changes = append(changes, Change{Op: table.OpInsert, Row: row})
		} else {
			changes = append(changes, Change{Op: table.OpUpdate, Row: row, Old: old})
		}
	}
	for _, key := range body.Deletes {
		old, err := h.store.DeleteRow(c.Context(), tbl, key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return fmt.Errorf("batch delete %s/%s: %w", tbl, key, err)
		}
		changes = append(changes, Change{Op: table.OpDelete, Row: old})
	}
	if len(changes) > 0 {
		h.broker.Publish(tbl, &Event{Tx: tx, Changes: changes})
	}

	return c.JSON(fiber.Map{"applied": len(changes), "tx": tx})
}

// PatchRow handles PATCH /v1/tables/:table/rows/:id with a partial row.
func (h *Handler) PatchRow(c *fiber.Ctx) error {
	tbl, err := h.resolveTable(c)
	if err != nil {
		return err
	}
	key := c.Params("id")

	var patch table.Row
	if err := c.BodyParser(&patch); err != nil {
		return InvalidPayloadError("Malformed patch body")
	}

	old, err := h.store.GetRow(c.Context(), tbl, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError(tbl, key)
		}
		return fmt.Errorf("patch read %s/%s: %w", tbl, key, err)
	}

	merged := make(table.Row, len(old)+len(patch))
	for k, v := range old {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}

	tx := uuid.New()
	if _, _, err := h.store.UpsertRow(c.Context(), tbl, key, merged); err != nil {
		return fmt.Errorf("patch write %s/%s: %w", tbl, key, err)
	}
	h.broker.Publish(tbl, &Event{Tx: tx, Changes: []Change{{Op: table.OpUpdate, Row: merged, Old: old}}})
	return c.JSON(fiber.Map{"data": merged, "tx": tx})
}

// DeleteRow handles DELETE /v1/tables/:table/rows/:id.
func (h *Handler) DeleteRow(c *fiber.Ctx) error {
	tbl, err := h.resolveTable(c)
	if err != nil {
		return err
	}
	key := c.Params("id")

	old, err := h.store.DeleteRow(c.Context(), tbl, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError(tbl, key)
		}
		return fmt.Errorf("delete %s/%s: %w", tbl, key, err)
	}

	tx := uuid.New()
	h.broker.Publish(tbl, &Event{Tx: tx, Changes: []Change{{Op: table.OpDelete, Row: old}}})
	return c.JSON(fiber.Map{"tx": tx})
}

// CreateSubscription handles POST /v1/subscribe. The query text is never
// trusted as SQL: it is parsed into an expression tree and applied in
// process.
func (h *Handler) CreateSubscription(c *fiber.Ctx) error {
	var body struct {
		Query string `json:"query"`
	}
	if err := c.BodyParser(&body); err != nil {
		return InvalidPayloadError("Malformed subscribe body")
	}

	tbl, pred, err := query.Parse(body.Query)
	if err != nil {
		return InvalidQueryError(err.Error())
	}
	if !h.tables[tbl] {
		return UnknownTableError(tbl)
	}

	id := uuid.New().String()
	h.mu.Lock()
	h.subs[id] = &subscription{table: tbl, pred: pred}
	h.mu.Unlock()

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"stream_id": id})
}

// Stream handles GET /v1/stream/:id: an SSE stream that opens with an
// "applied" event carrying the subscription's current filtered rows and
// then delivers filtered "change" events until the client goes away.
func (h *Handler) Stream(c *fiber.Ctx) error {
	id := c.Params("id")
	h.mu.Lock()
	s, ok := h.subs[id]
	h.mu.Unlock()
	if !ok {
		return NotFoundError("subscription", id)
	}

	// Register with the broker before the snapshot read so no change
	// slips between snapshot and stream.
	subID, ch := h.broker.Subscribe(s.table, 256)

	rows, err := h.store.AllRows(c.Context(), s.table)
	if err != nil {
		h.broker.Unsubscribe(s.table, subID)
		return fmt.Errorf("stream snapshot %s: %w", s.table, err)
	}
	filtered := make([]table.Row, 0, len(rows))
	for _, row := range rows {
		if query.Evaluate(s.pred, row) {
			filtered = append(filtered, row)
		}
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	tbl, pred := s.table, s.pred
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer h.broker.Unsubscribe(tbl, subID)
		defer h.dropSubscription(id)

		if err := writeSSE(w, "applied", fiber.Map{"rows": filtered}); err != nil {
			return
		}

		heartbeat := time.NewTicker(15 * time.Second)
		defer heartbeat.Stop()
		for {
			select {
			case ev, open := <-ch:
				if !open {
					return
				}
				out, send := filterChanges(pred, ev)
				if !send {
					continue
				}
				if err := writeSSE(w, "change", out); err != nil {
					return
				}
			case <-heartbeat.C:
				if _, err := w.WriteString(": ping\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))
	return nil
}

func (h *Handler) dropSubscription(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// filterChanges keeps the changes of one transaction that are relevant
// to a subscription's predicate. Inserts and deletes are relevant when
// their row matches. Updates stay raw updates and are relevant when
// either version matches — the row is entering, leaving, or moving
// within the filtered set, and the client's views derive which. Keeping
// the op intact matters because subscriptions over the same table share
// one client-side cache: rewriting a leave into a delete here would
// remove a row that still exists upstream.
func filterChanges(pred query.Expr, ev *Event) (*Event, bool) {
	if pred == nil {
		return ev, true
	}
	kept := make([]Change, 0, len(ev.Changes))
	for _, ch := range ev.Changes {
		switch ch.Op {
		case table.OpInsert, table.OpDelete:
			if query.Evaluate(pred, ch.Row) {
				kept = append(kept, ch)
			}
		case table.OpUpdate:
			if view.Classify(pred, ch.Old, ch.Row) != view.StayOut {
				kept = append(kept, ch)
			}
		}
	}
	if len(kept) == 0 {
		return nil, false
	}
	return &Event{Tx: ev.Tx, Changes: kept}, true
}

func writeSSE(w *bufio.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return w.Flush()
}

func rowKey(row table.Row) (string, error) {
	id, ok := row["id"]
	if !ok || id == nil {
		return "", InvalidPayloadError("Row is missing its id column")
	}
	return fmt.Sprintf("%v", id), nil
}
