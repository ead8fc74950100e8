// Telephone gameplay routes.
//
// Players land on the play page, accept the instructions, and are then
// routed by the switchboard: the game picks a cluster they haven't
// contributed to, the cluster picks a chain, and the chain prepares the
// entry to record. The player listens to the parent recording, records
// what they heard, and uploads it. Visited clusters are tracked in a
// per-game receipts cookie so nobody records the same seed twice.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	_ "embed"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const playerCookieName = "telephone_id"

// getOrSetPlayerID identifies a player across requests by cookie.
func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	id := uuid.NewString()

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

func receiptsCookieName(gameID int64) string {
	return fmt.Sprintf("telephone_receipts_%d", gameID)
}

// readReceipts parses the player's visited-cluster IDs for a game from
// its receipts cookie. Unparseable cookies are treated as empty.
func readReceipts(r *http.Request, gameID int64) []int64 {
	c, err := r.Cookie(receiptsCookieName(gameID))
	if err != nil || c.Value == "" {
		return nil
	}

	var receipts []int64
	for _, field := range strings.Split(c.Value, ".") {
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil
		}
		receipts = append(receipts, id)
	}

	return receipts
}

func writeReceipts(w http.ResponseWriter, gameID int64, receipts []int64) {
	fields := make([]string, 0, len(receipts))
	for _, id := range receipts {
		fields = append(fields, strconv.FormatInt(id, 10))
	}

	http.SetCookie(w, &http.Cookie{
		Name:     receiptsCookieName(gameID),
		Value:    strings.Join(fields, "."),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func writeJSON(cfg *Config, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	securityHeaders(cfg, w)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeFormError(cfg *Config, w http.ResponseWriter, err error) {
	var fieldErr *FieldError
	if errors.As(err, &fieldErr) {
		writeJSON(cfg, w, http.StatusBadRequest, map[string]string{
			"field": fieldErr.Field,
			"error": fieldErr.Message,
		})
		return
	}

	writeJSON(cfg, w, http.StatusInternalServerError, map[string]string{
		"error": "internal error",
	})
}

// gameFromParams resolves the :gameid route parameter.
func gameFromParams(s *Store, ps httprouter.Params) (*Game, error) {
	id, err := strconv.ParseInt(ps.ByName("gameid"), 10, 64)
	if err != nil {
		return nil, ErrNotFound
	}
	return s.GetGame(id)
}

//go:embed telephone/index.html
var playHTML []byte

//go:embed telephone/app.css
var telephoneCSS []byte

//go:embed telephone/app.js
var telephoneJS []byte

func servePlayPage(cfg *Config, s *Store) httprouter.Handle {
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

		_ = getOrSetPlayerID(w, r)

		_, _ = w.Write(playHTML)
	}
}

func serveTelephoneAsset(cfg *Config, data []byte, contentType string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(data)
	}
}

// serveAccept marks the player as having read the instructions: the
// player cookie is assigned and the game's receipts are reset.
func serveAccept(cfg *Config, s *Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		game, err := gameFromParams(s, ps)
		if err != nil {
			writeJSON(cfg, w, http.StatusNotFound, map[string]string{"error": "no such game"})
			return
		}

		playerID := getOrSetPlayerID(w, r)
		writeReceipts(w, game.ID, nil)

		logf(cfg, "PLAY: Player %s accepted game %s from %s", playerID, game.Dir(), realIP(r))

		writeJSON(cfg, w, http.StatusOK, map[string]any{
			"game": game.ID,
			"name": game.DisplayName(),
		})
	}
}

// serveSwitchboard picks the next entry for the player. When the player
// has contributed to every cluster the game is over and the completion
// code, if any, is handed out.
func serveSwitchboard(cfg *Config, s *Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		startTime := time.Now()

		game, err := gameFromParams(s, ps)
		if err != nil || game.Status != StatusActive {
			writeJSON(cfg, w, http.StatusNotFound, map[string]string{"error": "no such game"})
			return
		}

		receipts := readReceipts(r, game.ID)

		cluster, entry, err := s.PrepareGameEntry(game, receipts)
		if errors.Is(err, ErrAllVisited) || errors.Is(err, ErrNoClusters) {
			writeJSON(cfg, w, http.StatusGone, map[string]any{
				"completed":       true,
				"completion_code": game.CompletionCode,
			})
			return
		}
		if err != nil {
			writeJSON(cfg, w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}

		parent, err := s.GetEntry(entry.ParentID)
		if err != nil {
			writeJSON(cfg, w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}

		response := map[string]any{
			"game":       game.ID,
			"cluster":    cluster.ID,
			"chain":      entry.ChainID,
			"parent":     parent.ID,
			"parent_url": mediaURL(cfg, parent.Filename),
			"generation": entry.Generation,
			"upload_url": fmt.Sprintf("%s/telephone/%d/upload", cfg.prefix, game.ID),
		}
		if entry.ID != 0 {
			response["entry"] = entry.ID
		}

		logf(cfg, "PLAY: Switchboard for game %s served chain %d generation %d to %s in %s",
			game.Dir(),
			entry.ChainID,
			entry.Generation,
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)

		writeJSON(cfg, w, http.StatusOK, response)
	}
}

// serveUpload accepts the player's re-recording, issues the cluster
// receipt, and notifies inspectors of the new entry.
func serveUpload(cfg *Config, s *Store, m *MediaStore, im *InspectorManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		startTime := time.Now()

		game, err := gameFromParams(s, ps)
		if err != nil || game.Status != StatusActive {
			writeJSON(cfg, w, http.StatusNotFound, map[string]string{"error": "no such game"})
			return
		}

		form, err := parseEntryForm(r)
		if err != nil {
			writeFormError(cfg, w, err)
			return
		}
		defer form.Audio.Close()

		owner, err := s.GameByChain(form.ChainID)
		if err != nil || owner.ID != game.ID {
			writeFormError(cfg, w, &FieldError{Field: "chain", Message: "chain does not belong to this game"})
			return
		}

		entry, err := form.save(s, m)
		if err != nil {
			writeFormError(cfg, w, err)
			return
		}

		chain, err := s.GetChain(entry.ChainID)
		if err == nil {
			receipts := readReceipts(r, game.ID)
			writeReceipts(w, game.ID, append(receipts, chain.ClusterID))
		}

		im.Broadcast(game.ID, EntryEventMessage{
			Type:  "entry",
			Event: "created",
			Entry: serializeEntry(cfg, entry),
		})

		logf(cfg, "PLAY: Entry %d (generation %d) uploaded to game %s by %s in %s",
			entry.ID,
			entry.Generation,
			game.Dir(),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)

		writeJSON(cfg, w, http.StatusCreated, serializeEntry(cfg, entry))
	}
}

// serveGameQR renders a PNG QR code pointing at the game's play URL,
// respecting TLS and X-Forwarded-Proto.
func serveGameQR(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	path := strings.TrimSuffix(r.URL.Path, "/qr")
	url := scheme + "://" + r.Host + path

	const qrSize = 320
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// registerTelephone sets up the gameplay routes:
//   - $path/:gameid              → play page (HTML recorder client)
//   - $path/:gameid/accept       → accept instructions, reset receipts
//   - $path/:gameid/switchboard  → next entry for this player
//   - $path/:gameid/upload       → upload a re-recording
//   - $path/:gameid/qr           → PNG QR code for the play URL
//
// plus the inspector routes (see inspector.go).
func registerTelephone(cfg *Config, s *Store, m *MediaStore, path string, mux *httprouter.Router) {
	im := newInspectorManager(telephoneIdleTimeout)

	mux.GET(cfg.prefix+path+"/:gameid", servePlayPage(cfg, s))

	mux.GET(cfg.prefix+"/assets/telephone/app.css", serveTelephoneAsset(cfg, telephoneCSS, "text/css; charset=utf-8"))
	mux.GET(cfg.prefix+"/assets/telephone/app.js", serveTelephoneAsset(cfg, telephoneJS, "application/javascript; charset=utf-8"))
	mux.GET(cfg.prefix+"/assets/telephone/inspect.js", serveTelephoneAsset(cfg, inspectJS, "application/javascript; charset=utf-8"))

	mux.POST(cfg.prefix+path+"/:gameid/accept", serveAccept(cfg, s))
	mux.GET(cfg.prefix+path+"/:gameid/switchboard", serveSwitchboard(cfg, s))
	mux.POST(cfg.prefix+path+"/:gameid/upload", serveUpload(cfg, s, m, im))
	mux.GET(cfg.prefix+path+"/:gameid/qr", serveGameQR)

	registerInspector(cfg, s, im, path, mux)
}

const telephoneIdleTimeout = 60 * time.Minute
