// Admin routes for the researchers running games: upload seed
// recordings and create games with their clusters and chains. There is
// no authentication here; the admin prefix is expected to be guarded by
// a reverse proxy.

package main

import (
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
)

// serveAdminPage renders the admin overview: every game with its play
// and inspect links, every seed, and the creation forms.
func serveAdminPage(cfg *Config, s *Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		games, err := s.ListGames(false)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		seeds, err := s.ListSeeds()
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		var body strings.Builder

		body.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
		body.WriteString(getFavicon())
		body.WriteString(`<title>Telephone Admin</title></head><body>`)
		body.WriteString(`<h1>Telephone Admin</h1>`)

		body.WriteString(`<h2>Games</h2><ul>`)
		for _, game := range games {
			fmt.Fprintf(&body, `<li>%s (%s, %s) — <a href="%s/telephone/%d">play</a> | <a href="%s/telephone/%d/inspect">inspect</a></li>`,
				html.EscapeString(game.DisplayName()),
				html.EscapeString(game.Status),
				html.EscapeString(game.Order),
				cfg.prefix, game.ID,
				cfg.prefix, game.ID,
			)
		}
		body.WriteString(`</ul>`)

		body.WriteString(`<h2>Seeds</h2><ul>`)
		for _, seed := range seeds {
			fmt.Fprintf(&body, `<li>%s — <a href="%s">listen</a></li>`,
				html.EscapeString(seed.Name),
				mediaURL(cfg, seed.Path()),
			)
		}
		body.WriteString(`</ul>`)

		fmt.Fprintf(&body, `<h2>New seed</h2>
<form method="post" action="%s/admin/seeds" enctype="multipart/form-data">
<label>Name <input name="name" required></label>
<label>Audio <input type="file" name="audio" accept="audio/*" required></label>
<button type="submit">Upload seed</button>
</form>`, cfg.prefix)

		fmt.Fprintf(&body, `<h2>New game</h2>
<form method="post" action="%s/admin/games">
<label>Name <input name="name"></label>
<label>Order <select name="order"><option value="SEQ">sequential</option><option value="RND">random</option></select></label>
<label>Chain method <select name="method"><option value="SRT">shortest</option><option value="RND">random</option></select></label>
<label>Completion code <input name="completion_code"></label>
<label>Seeds (one name per line) <textarea name="seeds"></textarea></label>
<label>Chains per seed <input name="chains" value="1"></label>
<button type="submit">Create game</button>
</form>`, cfg.prefix)

		body.WriteString(`</body></html>`)

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_, _ = w.Write([]byte(body.String()))
	}
}

func serveCreateSeed(cfg *Config, s *Store, m *MediaStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		form, err := parseSeedForm(r)
		if err != nil {
			writeFormError(cfg, w, err)
			return
		}
		defer form.Audio.Close()

		seed, err := form.save(s, m)
		if err != nil {
			writeFormError(cfg, w, err)
			return
		}

		logf(cfg, "ADMIN: Seed %s uploaded by %s in %s",
			seed.Name,
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)

		http.Redirect(w, r, cfg.prefix+"/admin", http.StatusSeeOther)
	}
}

func serveCreateGame(cfg *Config, s *Store, m *MediaStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		form, err := parseGameForm(r)
		if err != nil {
			writeFormError(cfg, w, err)
			return
		}

		// The form posts seed names as a newline-separated textarea.
		if len(form.SeedNames) == 0 {
			for _, line := range strings.Split(r.FormValue("seeds"), "\n") {
				if name := strings.TrimSpace(line); name != "" {
					form.SeedNames = append(form.SeedNames, name)
				}
			}
		}

		game, err := form.save(s, m)
		if err != nil {
			writeFormError(cfg, w, err)
			return
		}

		logf(cfg, "ADMIN: Game %s created with %d clusters by %s in %s",
			game.Dir(),
			len(form.SeedNames),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)

		http.Redirect(w, r, cfg.prefix+"/admin", http.StatusSeeOther)
	}
}

func registerAdmin(cfg *Config, s *Store, m *MediaStore, mux *httprouter.Router) {
	mux.GET(cfg.prefix+"/admin", serveAdminPage(cfg, s))
	mux.POST(cfg.prefix+"/admin/seeds", serveCreateSeed(cfg, s, m))
	mux.POST(cfg.prefix+"/admin/games", serveCreateGame(cfg, s, m))
}
