package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// doJSONClient builds a Client pointed at an httptest server without the
// mTLS dance, since doJSON/GetObject only need c.http and c.baseURL.
func doJSONClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: http.DefaultClient}
}

func TestGetDevice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/devices/abc" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(Device{ID: "abc", PRN: "prn:abc", Owner: "someone"})
	}))
	defer srv.Close()

	c := doJSONClient(srv.URL)
	d, err := c.GetDevice(context.Background(), "abc")
	if err != nil {
		t.Fatal(err)
	}
	if d.Owner != "someone" {
		t.Errorf("got owner %q, want someone", d.Owner)
	}
}

func TestPutProgressServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := doJSONClient(srv.URL)
	err := c.PutProgress(context.Background(), "prn:abc", "10", ProgressUpdate{Status: "done"})
	if err == nil {
		t.Fatal("expected error")
	}
}
