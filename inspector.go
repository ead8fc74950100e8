// Inspector routes: a read-mostly view of a game's chain trees for the
// researchers running the exercise. The inspection page loads the full
// tree over a JSON API and then follows along live over a WebSocket as
// players upload new entries. Inspectors can also grow the tree by
// sprouting an empty branch below any entry, and prune unfilled
// branches by closing them.

package main

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	_ "embed"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// EntryEventMessage is pushed to inspector clients when an entry is
// created, sprouted, or closed.
type EntryEventMessage struct {
	Type  string         `json:"type"`  // "entry"
	Event string         `json:"event"` // "created", "sprouted", "closed"
	Entry map[string]any `json:"entry"`
}

// serializeEntry mirrors the inspection API's entry representation.
func serializeEntry(cfg *Config, e *Entry) map[string]any {
	dict := map[string]any{
		"id":         e.ID,
		"chain":      e.ChainID,
		"generation": e.Generation,
		"sprout_url": fmt.Sprintf("%s/entries/%d/sprout", cfg.prefix, e.ID),
	}

	if e.ParentID != 0 {
		dict["parent"] = e.ParentID
	} else {
		dict["parent"] = nil
	}

	if e.Filled() {
		dict["audio"] = mediaURL(cfg, e.Filename)
	} else {
		dict["audio"] = nil
		dict["close_url"] = fmt.Sprintf("%s/entries/%d/close", cfg.prefix, e.ID)
	}

	return dict
}

//go:embed telephone/inspect.html
var inspectHTML []byte

//go:embed telephone/inspect.js
var inspectJS []byte

func serveInspectPage(cfg *Config, s *Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if _, err := gameFromParams(s, ps); err != nil {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			securityHeaders(cfg, w)
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(newPage("Not Found", "No such game.")))
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_, _ = w.Write(inspectHTML)
	}
}

// serveMessages returns every chain of the game with its entries, the
// payload the inspection UI renders as a tree.
func serveMessages(cfg *Config, s *Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		startTime := time.Now()

		game, err := gameFromParams(s, ps)
		if err != nil {
			writeJSON(cfg, w, http.StatusNotFound, map[string]string{"error": "no such game"})
			return
		}

		clusters, err := s.ClustersByGame(game.ID)
		if err != nil {
			writeJSON(cfg, w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}

		chainDicts := []map[string]any{}
		for _, cluster := range clusters {
			chains, err := s.ChainsByCluster(cluster.ID)
			if err != nil {
				writeJSON(cfg, w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
				return
			}

			for _, chain := range chains {
				entries, err := s.EntriesByChain(chain.ID)
				if err != nil {
					writeJSON(cfg, w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
					return
				}

				entryDicts := make([]map[string]any, 0, len(entries))
				for _, e := range entries {
					dict := serializeEntry(cfg, e)
					if !e.Filled() {
						dict["upload_url"] = fmt.Sprintf("%s/telephone/%d/upload", cfg.prefix, game.ID)
					}
					entryDicts = append(entryDicts, dict)
				}

				chainDicts = append(chainDicts, map[string]any{
					"id":      chain.ID,
					"cluster": cluster.ID,
					"seed":    cluster.Name,
					"entries": entryDicts,
				})
			}
		}

		logf(cfg, "INSPECT: Messages for game %s (%d chains) to %s in %s",
			game.Dir(),
			len(chainDicts),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)

		writeJSON(cfg, w, http.StatusOK, map[string]any{
			"game":   game.ID,
			"chains": chainDicts,
		})
	}
}

// serveSprout grows a new unfilled branch below an entry. The sprouted
// entry is served by the switchboard ahead of fresh descendants.
func serveSprout(cfg *Config, s *Store, im *InspectorManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id, err := strconv.ParseInt(ps.ByName("entryid"), 10, 64)
		if err != nil {
			writeJSON(cfg, w, http.StatusNotFound, map[string]string{"error": "no such entry"})
			return
		}

		parent, err := s.GetEntry(id)
		if err != nil {
			writeJSON(cfg, w, http.StatusNotFound, map[string]string{"error": "no such entry"})
			return
		}
		if !parent.Filled() {
			writeJSON(cfg, w, http.StatusBadRequest, map[string]string{"error": "cannot sprout from an unfilled entry"})
			return
		}

		sprout := &Entry{
			ChainID:    parent.ChainID,
			ParentID:   parent.ID,
			Generation: parent.Generation + 1,
		}
		if err := s.CreateEntry(sprout); err != nil {
			writeJSON(cfg, w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}

		if game, err := s.GameByChain(sprout.ChainID); err == nil {
			im.Broadcast(game.ID, EntryEventMessage{
				Type:  "entry",
				Event: "sprouted",
				Entry: serializeEntry(cfg, sprout),
			})
		}

		logf(cfg, "INSPECT: Sprouted entry %d below entry %d by %s", sprout.ID, parent.ID, realIP(r))

		writeJSON(cfg, w, http.StatusCreated, serializeEntry(cfg, sprout))
	}
}

// serveClose prunes an unfilled entry with no children.
func serveClose(cfg *Config, s *Store, im *InspectorManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id, err := strconv.ParseInt(ps.ByName("entryid"), 10, 64)
		if err != nil {
			writeJSON(cfg, w, http.StatusNotFound, map[string]string{"error": "no such entry"})
			return
		}

		entry, err := s.GetEntry(id)
		if err != nil {
			writeJSON(cfg, w, http.StatusNotFound, map[string]string{"error": "no such entry"})
			return
		}
		if entry.Filled() {
			writeJSON(cfg, w, http.StatusBadRequest, map[string]string{"error": "cannot close an entry with a recording"})
			return
		}

		children, err := s.ChildCount(entry.ID)
		if err != nil {
			writeJSON(cfg, w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		if children > 0 {
			writeJSON(cfg, w, http.StatusBadRequest, map[string]string{"error": "cannot close an entry with children"})
			return
		}

		game, gameErr := s.GameByChain(entry.ChainID)

		if err := s.DeleteEntry(entry.ID); err != nil {
			writeJSON(cfg, w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}

		if gameErr == nil {
			// the row is gone, so no urls to hand out
			im.Broadcast(game.ID, EntryEventMessage{
				Type:  "entry",
				Event: "closed",
				Entry: map[string]any{"id": entry.ID, "chain": entry.ChainID},
			})
		}

		logf(cfg, "INSPECT: Closed entry %d by %s", entry.ID, realIP(r))

		writeJSON(cfg, w, http.StatusOK, map[string]any{"closed": entry.ID})
	}
}

// ---- Live feed ----

type InspectorClient struct {
	conn *websocket.Conn
	send chan any
}

// InspectorHub fans entry events out to every inspector watching one
// game.
type InspectorHub struct {
	gameID int64

	clients map[*InspectorClient]bool
	reg     chan *InspectorClient
	unreg   chan *InspectorClient
	events  chan any

	mu         sync.RWMutex
	lastActive time.Time
}

func newInspectorHub(gameID int64) *InspectorHub {
	return &InspectorHub{
		gameID:     gameID,
		clients:    make(map[*InspectorClient]bool),
		reg:        make(chan *InspectorClient),
		unreg:      make(chan *InspectorClient),
		events:     make(chan any, 16),
		lastActive: time.Now(),
	}
}

func (h *InspectorHub) run() {
	for {
		select {
		case c := <-h.reg:
			h.mu.Lock()
			h.clients[c] = true
			h.lastActive = time.Now()
			h.mu.Unlock()

		case c := <-h.unreg:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case msg := <-h.events:
			h.mu.Lock()
			h.lastActive = time.Now()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// closeAll disconnects all clients of this hub (used by the reaper).
func (h *InspectorHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(h.clients, c)
	}
}

// InspectorManager holds a hub per game so each game's inspectors form
// their own isolated session.
type InspectorManager struct {
	mu          sync.Mutex
	hubs        map[int64]*InspectorHub
	idleTimeout time.Duration
}

func newInspectorManager(idleTimeout time.Duration) *InspectorManager {
	im := &InspectorManager{
		hubs:        make(map[int64]*InspectorHub),
		idleTimeout: idleTimeout,
	}
	if idleTimeout > 0 {
		go im.reaperLoop()
	}
	return im
}

func (im *InspectorManager) getHub(gameID int64) *InspectorHub {
	im.mu.Lock()
	defer im.mu.Unlock()

	if hub, ok := im.hubs[gameID]; ok {
		return hub
	}

	hub := newInspectorHub(gameID)
	im.hubs[gameID] = hub
	go hub.run()
	return hub
}

// Broadcast delivers msg to the game's inspectors, if any are watching.
func (im *InspectorManager) Broadcast(gameID int64, msg any) {
	im.mu.Lock()
	hub, ok := im.hubs[gameID]
	im.mu.Unlock()

	if !ok {
		return
	}

	select {
	case hub.events <- msg:
	default:
	}
}

// reaperLoop periodically removes hubs idle longer than idleTimeout.
func (im *InspectorManager) reaperLoop() {
	ticker := time.NewTicker(im.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-im.idleTimeout)

		im.mu.Lock()
		for id, hub := range im.hubs {
			hub.mu.RLock()
			last := hub.lastActive
			hub.mu.RUnlock()

			if last.Before(cutoff) {
				delete(im.hubs, id)
				go hub.closeAll()
			}
		}
		im.mu.Unlock()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveInspectWS attaches an inspector to the game's live feed.
func serveInspectWS(cfg *Config, s *Store, im *InspectorManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		game, err := gameFromParams(s, ps)
		if err != nil {
			http.Error(w, "no such game", http.StatusNotFound)
			return
		}

		hub := im.getHub(game.ID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &InspectorClient{
			conn: conn,
			send: make(chan any, 8),
		}

		hub.reg <- client

		go client.writePump()
		client.readPump(hub)
	}
}

// readPump discards client traffic; the feed is one-way. It exists to
// notice the disconnect.
func (c *InspectorClient) readPump(h *InspectorHub) {
	defer func() {
		h.unreg <- c
		_ = c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *InspectorClient) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// registerInspector sets up the inspection routes:
//   - $path/:gameid/inspect               → inspection page
//   - $path/:gameid/inspect/api/messages  → full chain tree as JSON
//   - $path/:gameid/inspect/ws            → live entry feed
//   - /entries/:entryid/sprout            → grow an empty branch
//   - /entries/:entryid/close             → prune an unfilled branch
func registerInspector(cfg *Config, s *Store, im *InspectorManager, path string, mux *httprouter.Router) {
	mux.GET(cfg.prefix+path+"/:gameid/inspect", serveInspectPage(cfg, s))
	mux.GET(cfg.prefix+path+"/:gameid/inspect/api/messages", serveMessages(cfg, s))
	mux.GET(cfg.prefix+path+"/:gameid/inspect/ws", serveInspectWS(cfg, s, im))

	mux.POST(cfg.prefix+"/entries/:entryid/sprout", serveSprout(cfg, s, im))
	mux.POST(cfg.prefix+"/entries/:entryid/close", serveClose(cfg, s, im))
}
