package feed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"livetable/internal/config"
	"livetable/internal/query"
	"livetable/internal/sub"
	"livetable/internal/table"
)

// apiClient covers short request/response calls. Streams use their own
// client because an overall timeout would kill a long-lived SSE response.
var apiClient = &http.Client{Timeout: 10 * time.Second}

var streamClient = &http.Client{}

// Client talks to a feed server: it authenticates, registers query
// subscriptions, and keeps one shared cache per table in sync from the
// SSE change streams. It implements sub.Conn.
type Client struct {
	cfg    config.ClientConfig
	status *sub.StatusSignal

	mu     sync.Mutex
	token  string
	tables map[string]*table.Cache
	subs   []*streamSub
	closed bool
}

func New(cfg config.ClientConfig) *Client {
	return &Client{
		cfg:    cfg,
		status: sub.NewStatusSignal(),
		tables: make(map[string]*table.Cache),
	}
}

// Status returns the shared connection status signal.
func (c *Client) Status() *sub.StatusSignal { return c.status }

// Table returns the shared cache for a table, creating it on first use.
// Rows are keyed by their "id" column.
func (c *Client) Table(name string) *table.Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	tbl, ok := c.tables[name]
	if !ok {
		tbl = table.NewCache(name, "id")
		c.tables[name] = tbl
	}
	return tbl
}

// Connect authenticates against the feed server and marks the link
// active. Views watching the status signal subscribe at that point.
func (c *Client) Connect(ctx context.Context) error {
	c.status.Set(sub.Connecting)
	token, err := c.login(ctx)
	if err != nil {
		c.status.Set(sub.Failed)
		return fmt.Errorf("connect: %w", err)
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	c.status.Set(sub.Connected)
	return nil
}

func (c *Client) login(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"username": c.cfg.Username,
		"password": c.cfg.Password,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := apiClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login: status %d", resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("login: empty token")
	}
	return out.AccessToken, nil
}

// Subscribe registers the query upstream and starts consuming its SSE
// stream. Each subscription owns its stream; cancelling one does not
// touch the others.
func (c *Client) Subscribe(queryText string) (sub.Subscription, error) {
	tblName, _, err := query.Parse(queryText)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	c.mu.Lock()
	token, closed := c.token, c.closed
	c.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("subscribe: client is closed")
	}
	if token == "" {
		return nil, fmt.Errorf("subscribe: not connected")
	}

	streamID, err := c.createSubscription(token, queryText)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &streamSub{cancel: cancel}
	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()

	go c.consume(ctx, token, streamID, c.Table(tblName), s)
	return s, nil
}

// Close cancels all streams and marks the link down.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	c.status.Set(sub.Disconnected)
}

func (c *Client) createSubscription(token, queryText string) (string, error) {
	body, err := json.Marshal(map[string]string{"query": queryText})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequest(http.MethodPost, c.cfg.BaseURL+"/v1/subscribe", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := apiClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	var out struct {
		StreamID string `json:"stream_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.StreamID, nil
}

func (c *Client) consume(ctx context.Context, token, streamID string, tbl *table.Cache, s *streamSub) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/v1/stream/"+streamID, nil)
	if err != nil {
		c.fail(err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := streamClient.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			c.fail(err)
		}
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.fail(fmt.Errorf("stream %s: status %d", streamID, resp.StatusCode))
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	// Snapshots can be large; grow the line buffer well past the default.
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var event string
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" && data.Len() > 0 {
				c.dispatch(event, data.Bytes(), tbl, s)
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}
	if ctx.Err() != nil {
		return
	}
	// The stream never ends on its own; whether the scanner stopped on an
	// error or a clean EOF, the server is gone and the cache is no longer
	// being fed.
	err = scanner.Err()
	if err == nil {
		err = fmt.Errorf("stream %s closed by server", streamID)
	}
	c.fail(err)
}

func (c *Client) dispatch(event string, data []byte, tbl *table.Cache, s *streamSub) {
	switch event {
	case "applied":
		var payload struct {
			Rows []table.Row `json:"rows"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			log.Printf("feed: bad applied payload for %s: %v", tbl.Name(), err)
			return
		}
		// Merge, never replace: the snapshot is filtered by this
		// subscription's predicate, and other subscriptions over the same
		// table share the cache.
		tbl.Merge(payload.Rows)
		s.fireApplied()
	case "change":
		var ev struct {
			Tx      table.TxID `json:"tx"`
			Changes []struct {
				Op  table.Op  `json:"op"`
				Row table.Row `json:"row"`
			} `json:"changes"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("feed: bad change payload for %s: %v", tbl.Name(), err)
			return
		}
		// One Apply per transaction: the cache must hold the whole
		// transaction before any listener fires, or per-transaction
		// recompute dedup downstream would act on a partial state.
		changes := make([]table.Change, len(ev.Changes))
		for i, ch := range ev.Changes {
			changes[i] = table.Change{Op: ch.Op, Row: ch.Row}
		}
		tbl.Apply(ev.Tx, changes)
	}
}

func (c *Client) fail(err error) {
	log.Printf("feed: stream error: %v", err)
	c.status.Set(sub.Failed)
}

// streamSub is one live subscription and its stream's cancel handle.
type streamSub struct {
	mu          sync.Mutex
	cancel      context.CancelFunc
	onApplied   []func()
	appliedSeen bool
	done        bool
}

// OnApplied registers fn for snapshot notifications. The stream goroutine
// races registration, so a snapshot that already arrived is replayed
// synchronously.
func (s *streamSub) OnApplied(fn func()) {
	s.mu.Lock()
	s.onApplied = append(s.onApplied, fn)
	replay := s.appliedSeen
	s.mu.Unlock()
	if replay {
		fn()
	}
}

func (s *streamSub) fireApplied() {
	s.mu.Lock()
	s.appliedSeen = true
	fns := make([]func(), len(s.onApplied))
	copy(fns, s.onApplied)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *streamSub) Unsubscribe() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
