package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer wires up the full route table the way ServePage does
// and returns a client with a cookie jar, so receipts behave as they
// would in a browser.
func newTestServer(t *testing.T, cfg *Config, store *Store, media *MediaStore) (*httptest.Server, *http.Client) {
	t.Helper()

	mux := httprouter.New()
	errs := make(chan error, 64)

	mux.GET(cfg.prefix+"/", serveHomePage(cfg, store))
	mux.GET(cfg.prefix+"/healthz", serveHealthCheck(cfg, errs))
	mux.GET(cfg.prefix+"/version", serveVersion(cfg, errs))

	registerMedia(cfg, media, mux)
	registerTelephone(cfg, store, media, "/telephone", mux)
	registerAdmin(cfg, store, media, mux)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	client := &http.Client{Jar: jar, Timeout: 10 * time.Second}

	return server, client
}

func testConfig() *Config {
	return &Config{bind: "127.0.0.1", port: 8080}
}

func getJSON(t *testing.T, client *http.Client, url string, wantStatus int) map[string]any {
	t.Helper()

	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, wantStatus, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))

	return payload
}

func postMultipart(t *testing.T, client *http.Client, url string, fields map[string]string, audio []byte) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	if audio != nil {
		part, err := writer.CreateFormFile("audio", "recording.wav")
		require.NoError(t, err)
		_, err = part.Write(audio)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	resp, err := client.Post(url, writer.FormDataContentType(), &buf)
	require.NoError(t, err)

	return resp
}

func TestHomePageListsActiveGames(t *testing.T) {
	store, media := newTestStore(t)
	server, client := newTestServer(t, testConfig(), store, media)

	active := &Game{Name: "Bird Calls"}
	require.NoError(t, store.CreateGame(active))

	hidden := &Game{Name: "Secret", Status: StatusInactive}
	require.NoError(t, store.CreateGame(hidden))

	resp, err := client.Get(server.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "Bird Calls")
	assert.NotContains(t, string(body), "Secret")
}

func TestHealthCheck(t *testing.T) {
	store, media := newTestStore(t)
	server, client := newTestServer(t, testConfig(), store, media)

	resp, err := client.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Ok\n", string(body))
}

// TestPlayFlow walks a player through a whole game: accept, then for
// each cluster a switchboard call and an upload, then game over with
// the completion code.
func TestPlayFlow(t *testing.T) {
	store, media := newTestStore(t)
	server, client := newTestServer(t, testConfig(), store, media)

	makeSeed(t, store, media, "crow")
	makeSeed(t, store, media, "sparrow")

	form := &GameForm{
		Name:           "Bird Calls",
		CompletionCode: "BIRDS-123",
		SeedNames:      []string{"crow", "sparrow"},
		ChainsPerSeed:  1,
	}
	game, err := form.save(store, media)
	require.NoError(t, err)

	playURL := fmt.Sprintf("%s/telephone/%d", server.URL, game.ID)

	resp, err := client.Post(playURL+"/accept", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for turn := 0; turn < 2; turn++ {
		board := getJSON(t, client, playURL+"/switchboard", http.StatusOK)

		parentURL, ok := board["parent_url"].(string)
		require.True(t, ok, "switchboard response missing parent_url on turn %d", turn)

		// the parent recording must be fetchable
		audio, err := client.Get(server.URL + parentURL)
		require.NoError(t, err)
		audioBytes, err := io.ReadAll(audio.Body)
		audio.Body.Close()
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, audio.StatusCode)
		assert.Equal(t, wavBytes, audioBytes)

		upload := postMultipart(t, client, playURL+"/upload", map[string]string{
			"chain":  strconv.FormatFloat(board["chain"].(float64), 'f', -1, 64),
			"parent": strconv.FormatFloat(board["parent"].(float64), 'f', -1, 64),
		}, wavBytes)
		upload.Body.Close()
		require.Equal(t, http.StatusCreated, upload.StatusCode)
	}

	// both clusters visited: the switchboard hangs up
	done := getJSON(t, client, playURL+"/switchboard", http.StatusGone)
	assert.Equal(t, true, done["completed"])
	assert.Equal(t, "BIRDS-123", done["completion_code"])
}

func TestSwitchboardUnknownGame(t *testing.T) {
	store, media := newTestStore(t)
	server, client := newTestServer(t, testConfig(), store, media)

	resp, err := client.Get(server.URL + "/telephone/999/switchboard")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInspectAPI(t *testing.T) {
	store, media := newTestStore(t)
	server, client := newTestServer(t, testConfig(), store, media)

	makeSeed(t, store, media, "crow")
	form := &GameForm{SeedNames: []string{"crow"}, ChainsPerSeed: 2}
	game, err := form.save(store, media)
	require.NoError(t, err)

	payload := getJSON(t, client,
		fmt.Sprintf("%s/telephone/%d/inspect/api/messages", server.URL, game.ID),
		http.StatusOK)

	chains, ok := payload["chains"].([]any)
	require.True(t, ok)
	require.Len(t, chains, 2)

	first := chains[0].(map[string]any)
	assert.Equal(t, "crow", first["seed"])

	entries := first["entries"].([]any)
	require.Len(t, entries, 1)

	entry := entries[0].(map[string]any)
	assert.Equal(t, float64(0), entry["generation"])
	assert.Nil(t, entry["parent"])
	assert.NotNil(t, entry["audio"])
	assert.Contains(t, entry["sprout_url"], "/sprout")
}

// TestUploadRejectsForeignChain posts one game's chain to another
// game's upload URL; the receipt and broadcast must not cross over.
func TestUploadRejectsForeignChain(t *testing.T) {
	store, media := newTestStore(t)
	server, client := newTestServer(t, testConfig(), store, media)

	makeSeed(t, store, media, "crow")
	makeSeed(t, store, media, "sparrow")

	gameA, err := (&GameForm{Name: "A", SeedNames: []string{"crow"}, ChainsPerSeed: 1}).save(store, media)
	require.NoError(t, err)
	gameB, err := (&GameForm{Name: "B", SeedNames: []string{"sparrow"}, ChainsPerSeed: 1}).save(store, media)
	require.NoError(t, err)

	clustersB, err := store.ClustersByGame(gameB.ID)
	require.NoError(t, err)
	chainsB, err := store.ChainsByCluster(clustersB[0].ID)
	require.NoError(t, err)
	entriesB, err := store.EntriesByChain(chainsB[0].ID)
	require.NoError(t, err)

	resp := postMultipart(t, client,
		fmt.Sprintf("%s/telephone/%d/upload", server.URL, gameA.ID),
		map[string]string{
			"chain":  strconv.FormatInt(chainsB[0].ID, 10),
			"parent": strconv.FormatInt(entriesB[0].ID, 10),
		}, wavBytes)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// no entry landed in game B's chain and no receipt was issued
	count, err := store.EntryCount(chainsB[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	for _, c := range resp.Cookies() {
		assert.NotEqual(t, receiptsCookieName(gameA.ID), c.Name)
	}
}

func TestSproutAndClose(t *testing.T) {
	store, media := newTestStore(t)
	server, client := newTestServer(t, testConfig(), store, media)

	makeSeed(t, store, media, "crow")
	form := &GameForm{SeedNames: []string{"crow"}, ChainsPerSeed: 1}
	game, err := form.save(store, media)
	require.NoError(t, err)

	clusters, err := store.ClustersByGame(game.ID)
	require.NoError(t, err)
	chains, err := store.ChainsByCluster(clusters[0].ID)
	require.NoError(t, err)
	entries, err := store.EntriesByChain(chains[0].ID)
	require.NoError(t, err)
	seedEntry := entries[0]

	// sprout an empty branch below the seed entry
	resp, err := client.Post(
		fmt.Sprintf("%s/entries/%d/sprout", server.URL, seedEntry.ID), "", nil)
	require.NoError(t, err)

	var sprouted map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sprouted))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	assert.Equal(t, float64(1), sprouted["generation"])
	assert.Nil(t, sprouted["audio"])
	require.Contains(t, sprouted, "close_url")

	// the sprout is now what the switchboard serves
	sproutID := int64(sprouted["id"].(float64))
	prepared, err := store.PrepareEntry(chains[0])
	require.NoError(t, err)
	assert.Equal(t, sproutID, prepared.ID)

	// close it again
	resp, err = client.Post(server.URL+sprouted["close_url"].(string), "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	count, err := store.EntryCount(chains[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCloseRejectsFilledEntries(t *testing.T) {
	store, media := newTestStore(t)
	server, client := newTestServer(t, testConfig(), store, media)

	makeSeed(t, store, media, "crow")
	form := &GameForm{SeedNames: []string{"crow"}, ChainsPerSeed: 1}
	game, err := form.save(store, media)
	require.NoError(t, err)

	clusters, err := store.ClustersByGame(game.ID)
	require.NoError(t, err)
	chains, err := store.ChainsByCluster(clusters[0].ID)
	require.NoError(t, err)
	entries, err := store.EntriesByChain(chains[0].ID)
	require.NoError(t, err)

	resp, err := client.Post(
		fmt.Sprintf("%s/entries/%d/close", server.URL, entries[0].ID), "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestInspectFeedCloseEvent watches the live feed while an entry is
// closed; the event must not carry links to the deleted row.
func TestInspectFeedCloseEvent(t *testing.T) {
	store, media := newTestStore(t)
	server, client := newTestServer(t, testConfig(), store, media)

	makeSeed(t, store, media, "crow")
	game, err := (&GameForm{SeedNames: []string{"crow"}, ChainsPerSeed: 1}).save(store, media)
	require.NoError(t, err)

	clusters, err := store.ClustersByGame(game.ID)
	require.NoError(t, err)
	chains, err := store.ChainsByCluster(clusters[0].ID)
	require.NoError(t, err)
	entries, err := store.EntriesByChain(chains[0].ID)
	require.NoError(t, err)

	resp, err := client.Post(
		fmt.Sprintf("%s/entries/%d/sprout", server.URL, entries[0].ID), "", nil)
	require.NoError(t, err)

	var sprouted map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sprouted))
	resp.Body.Close()

	wsURL := fmt.Sprintf("ws%s/telephone/%d/inspect/ws",
		strings.TrimPrefix(server.URL, "http"), game.ID)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// let the hub register the client before triggering the event
	time.Sleep(100 * time.Millisecond)

	resp, err = client.Post(server.URL+sprouted["close_url"].(string), "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var msg struct {
		Type  string         `json:"type"`
		Event string         `json:"event"`
		Entry map[string]any `json:"entry"`
	}
	require.NoError(t, conn.ReadJSON(&msg))

	assert.Equal(t, "entry", msg.Type)
	assert.Equal(t, "closed", msg.Event)
	assert.Equal(t, sprouted["id"], msg.Entry["id"])
	assert.NotContains(t, msg.Entry, "sprout_url")
	assert.NotContains(t, msg.Entry, "close_url")
}

func TestAdminCreateSeedAndGame(t *testing.T) {
	store, media := newTestStore(t)
	server, client := newTestServer(t, testConfig(), store, media)

	upload := postMultipart(t, client, server.URL+"/admin/seeds",
		map[string]string{"name": "crow"}, wavBytes)
	upload.Body.Close()
	require.Equal(t, http.StatusOK, upload.StatusCode) // redirect followed to /admin

	seed, err := store.SeedByName("crow")
	require.NoError(t, err)
	assert.True(t, media.Exists(seed.Path()))

	resp, err := client.PostForm(server.URL+"/admin/games", url.Values{
		"name":   {"Bird Calls"},
		"order":  {"RND"},
		"seeds":  {"crow\n"},
		"chains": {"2"},
	})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	games, err := store.ListGames(true)
	require.NoError(t, err)
	require.Len(t, games, 1)
	assert.Equal(t, "Bird Calls", games[0].Name)
	assert.Equal(t, OrderRandom, games[0].Order)

	clusters, err := store.ClustersByGame(games[0].ID)
	require.NoError(t, err)
	require.Len(t, clusters, 1)

	chains, err := store.ChainsByCluster(clusters[0].ID)
	require.NoError(t, err)
	assert.Len(t, chains, 2)
}

func TestReceiptsCookieRoundTrip(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: receiptsCookieName(7), Value: "3.5.8"})

	assert.Equal(t, []int64{3, 5, 8}, readReceipts(req, 7))

	// other games' receipts don't leak
	assert.Nil(t, readReceipts(req, 8))

	// garbage cookies are ignored
	bad := httptest.NewRequest(http.MethodGet, "/", nil)
	bad.AddCookie(&http.Cookie{Name: receiptsCookieName(7), Value: "3,x"})
	assert.Nil(t, readReceipts(bad, 7))

	w := httptest.NewRecorder()
	writeReceipts(w, 7, []int64{3, 5, 8})

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, receiptsCookieName(7), cookies[0].Name)
	assert.Equal(t, "3.5.8", cookies[0].Value)
}

func TestUploadIssuesReceipt(t *testing.T) {
	store, media := newTestStore(t)
	server, client := newTestServer(t, testConfig(), store, media)

	makeSeed(t, store, media, "crow")
	form := &GameForm{SeedNames: []string{"crow"}, ChainsPerSeed: 1}
	game, err := form.save(store, media)
	require.NoError(t, err)

	playURL := fmt.Sprintf("%s/telephone/%d", server.URL, game.ID)

	board := getJSON(t, client, playURL+"/switchboard", http.StatusOK)

	upload := postMultipart(t, client, playURL+"/upload", map[string]string{
		"chain":  strconv.FormatFloat(board["chain"].(float64), 'f', -1, 64),
		"parent": strconv.FormatFloat(board["parent"].(float64), 'f', -1, 64),
	}, wavBytes)
	upload.Body.Close()
	require.Equal(t, http.StatusCreated, upload.StatusCode)

	// the only cluster is now receipted, so the game is over for this
	// player but still open for a fresh one
	done := getJSON(t, client, playURL+"/switchboard", http.StatusGone)
	assert.Equal(t, true, done["completed"])

	freshJar, err := cookiejar.New(nil)
	require.NoError(t, err)
	fresh := &http.Client{Jar: freshJar, Timeout: 10 * time.Second}

	board = getJSON(t, fresh, playURL+"/switchboard", http.StatusOK)
	assert.Equal(t, float64(2), board["generation"])
}

func TestVersionRoute(t *testing.T) {
	store, media := newTestStore(t)
	server, client := newTestServer(t, testConfig(), store, media)

	resp, err := client.Get(server.URL + "/version")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "telephone v"))
}
