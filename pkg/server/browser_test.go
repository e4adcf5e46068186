package server

import (
	"net/http/httptest"
	"testing"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrowserURLForm(t *testing.T) {
	if testing.Short() {
		t.Skip("browser test")
	}
	bin, ok := launcher.LookPath()
	if !ok {
		t.Skip("no local chromium")
	}

	c := &fakeClassifier{}
	f := &fakeFetcher{}
	s, _ := newTestServer(t, c, f)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	// Launch browser
	u := launcher.New().Bin(bin).Headless(true).MustLaunch()
	browser := rod.New().ControlURL(u).MustConnect()
	defer browser.MustClose()

	page := browser.MustPage(ts.URL + "/")
	page.MustWaitLoad()

	page.MustElement(`#url-form input[name="url"]`).MustInput("https://www.youtube.com/watch?v=abc")
	wait := page.MustWaitNavigation()
	page.MustElement(`#url-form button`).MustClick()
	wait()

	rows := page.MustElement("#genre-results").MustElements("td.genre")
	require.Len(t, rows, 2)
	assert.Equal(t, "rock", rows[0].MustText())
	assert.Equal(t, "jazz", rows[1].MustText())
	assert.Equal(t, []string{"https://www.youtube.com/watch?v=abc"}, f.urls)
	assert.Len(t, c.paths, 1)
}
