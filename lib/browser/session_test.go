package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func fixtureServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><h1>Market</h1>
			<form action="/search" method="post"><input type="text" name="q"></form>
			</body></html>`)
	})
	mux.HandleFunc("POST /search", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<ul id="results"><li>%s</li></ul>`, r.FormValue("q"))
	})
	mux.HandleFunc("GET /login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "tok42", Path: "/"})
		fmt.Fprint(w, `<p>logged in</p>`)
	})
	mux.HandleFunc("GET /me", func(w http.ResponseWriter, r *http.Request) {
		who := "anonymous"
		if cookie, err := r.Cookie("session"); err == nil {
			who = cookie.Value
		}
		fmt.Fprintf(w, `<p id="who">%s</p>`, who)
	})
	mux.HandleFunc("GET /missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestSession(t *testing.T, baseUrl string) *Session {
	session, err := NewSession(Options{BaseUrl: baseUrl})
	if err != nil {
		t.Fatal(err)
	}
	return session
}

func TestGetParsesThePage(t *testing.T) {
	ctx := context.Background()
	server := fixtureServer(t)
	session := newTestSession(t, server.URL)

	doc, err := session.Get(ctx, "/")
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, "Market", doc.Find("h1").Text())
	require.Equal(t, doc, session.Current())
	require.Equal(t, server.URL+"/", session.CurrentUrl())
}

func TestPostFormSubmits(t *testing.T) {
	ctx := context.Background()
	server := fixtureServer(t)
	session := newTestSession(t, server.URL)

	doc, err := session.PostForm(ctx, "/search", url.Values{"q": {"cottage"}})
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, "cottage", doc.Find("#results li").Text())
}

func TestErrorStatusBecomesStatusError(t *testing.T) {
	ctx := context.Background()
	server := fixtureServer(t)
	session := newTestSession(t, server.URL)

	_, err := session.Get(ctx, "/missing")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	require.Contains(t, statusErr.Url, "/missing")

	// a failed fetch never becomes the current document
	require.Nil(t, session.Current())
	require.Equal(t, "", session.CurrentUrl())
}

func TestCookiesPersistAcrossRequests(t *testing.T) {
	ctx := context.Background()
	server := fixtureServer(t)
	session := newTestSession(t, server.URL)

	_, err := session.Get(ctx, "/login")
	if err != nil {
		t.Fatal(err)
	}
	doc, err := session.Get(ctx, "/me")
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, "tok42", doc.Find("#who").Text())
}

func TestResetDropsAllState(t *testing.T) {
	ctx := context.Background()
	server := fixtureServer(t)
	session := newTestSession(t, server.URL)

	_, err := session.Get(ctx, "/login")
	if err != nil {
		t.Fatal(err)
	}

	err = session.Reset()
	if err != nil {
		t.Fatal(err)
	}
	require.Nil(t, session.Current())
	require.Equal(t, "", session.CurrentUrl())

	doc, err := session.Get(ctx, "/me")
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, "anonymous", doc.Find("#who").Text())
}
