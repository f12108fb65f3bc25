// Package hub is the HTTPS client for the pantahub-compatible device
// management hub: registration, claim polling, trail steps, progress
// reporting and object download.
//
// Grounded on spec.md §4.8/§6. Requests are not retried here; errors are
// wrapped as perr kinds following internal/osutil.Runner.Run's convention
// (transport failures and 5xx Transient, 4xx Integrity), and request bodies are encoded with net/http plus encoding/json — no
// ecosystem HTTP client in the dependency set replaces the standard
// library for a small JSON-over-HTTPS protocol like this one.
package hub

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pantacor/pantavisor-go/internal/perr"
)

// Client talks to the hub over mutually-authenticated TLS, with
// certificates read from certDir (spec.md §6: "Certificates are read
// from /certs/*").
type Client struct {
	baseURL string
	http    *http.Client
	log     *logrus.Entry
}

// New constructs a Client. certDir must contain client.crt, client.key
// and ca.crt (spec.md §6).
func New(log *logrus.Entry, baseURL, certDir string) (*Client, error) {
	cert, err := tls.LoadX509KeyPair(filepath.Join(certDir, "client.crt"), filepath.Join(certDir, "client.key"))
	if err != nil {
		return nil, perr.Wrap(perr.Configuration, err, "load client cert from %s", certDir)
	}
	caPEM, err := os.ReadFile(filepath.Join(certDir, "ca.crt"))
	if err != nil {
		return nil, perr.Wrap(perr.Configuration, err, "read ca cert from %s", certDir)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, perr.New(perr.Configuration, "no usable certificates in %s/ca.crt", certDir)
	}

	return &Client{
		baseURL: baseURL,
		log:     log,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{cert},
					RootCAs:      pool,
				},
			},
		},
	}, nil
}

// Device is the shape of GET /devices/<id> (spec.md §6).
type Device struct {
	ID     string `json:"id"`
	PRN    string `json:"prn"`
	Owner  string `json:"owner"`
	Secret string `json:"secret,omitempty"`
}

// GetDevice fetches the current device record; Owner is empty until claimed.
func (c *Client) GetDevice(ctx context.Context, id string) (*Device, error) {
	var d Device
	if err := c.doJSON(ctx, http.MethodGet, "/devices/"+id, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// RegisterDevice self-registers with a random secret (spec.md §4.8 S4,
// §6: "POST /devices/ (self-registration with {\"secret\":\"<rand>\"})").
func (c *Client) RegisterDevice(ctx context.Context, secret string) (*Device, error) {
	body := map[string]string{"secret": secret}
	var d Device
	if err := c.doJSON(ctx, http.MethodPost, "/devices/", body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Step is one entry of GET /trails/<prn>/steps.
type Step struct {
	Rev  string          `json:"rev"`
	Data json.RawMessage `json:"state"`
}

// TrailSteps fetches the hub's advertised revision history for prn.
func (c *Client) TrailSteps(ctx context.Context, prn string) ([]Step, error) {
	var steps []Step
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/trails/%s/steps", prn), nil, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// ProgressUpdate is the body of PUT /trails/<prn>/steps/<rev>/progress
// (spec.md §6).
type ProgressUpdate struct {
	Status    string `json:"status"`
	StatusMsg string `json:"status-msg"`
	Progress  int    `json:"progress"`
}

// PutProgress reports install/update progress for rev to the hub.
func (c *Client) PutProgress(ctx context.Context, prn, rev string, p ProgressUpdate) error {
	path := fmt.Sprintf("/trails/%s/steps/%s/progress", prn, rev)
	return c.doJSON(ctx, http.MethodPut, path, p, nil)
}

// GetObject streams GET /objects/<id> into w.
func (c *Client) GetObject(ctx context.Context, id string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/objects/"+id, nil)
	if err != nil {
		return perr.Wrap(perr.Transient, err, "build request for object %s", id)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return perr.Wrap(perr.Transient, err, "GET /objects/%s", id)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return perr.New(perr.Transient, "GET /objects/%s: %s", id, resp.Status)
	}
	if resp.StatusCode >= 400 {
		return perr.New(perr.Integrity, "GET /objects/%s: %s", id, resp.Status)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return perr.Wrap(perr.Transient, err, "stream object %s", id)
	}
	return nil
}

// UploadDeviceMeta implements metadata.Uploader by PUTting device
// metadata pairs as a single JSON object (there is no dedicated devmeta
// endpoint in spec.md §6's list; it reuses the progress-style PUT
// convention against a device-scoped path). Pairs already carry
// pre-encoded json.RawMessage values, so a value whose content is
// itself a JSON object reaches the wire unquoted.
func (c *Client) UploadDeviceMeta(pairs map[string]json.RawMessage) error {
	return c.doJSON(context.Background(), http.MethodPut, "/devices/meta", pairs, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return perr.Wrap(perr.FatalEnvironment, err, "marshal request body")
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return perr.Wrap(perr.Transient, err, "build request %s %s", method, path)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return perr.Wrap(perr.Transient, err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return perr.New(perr.Transient, "%s %s: %s", method, path, resp.Status)
	}
	if resp.StatusCode >= 400 {
		return perr.New(perr.Integrity, "%s %s: %s", method, path, resp.Status)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return perr.Wrap(perr.Transient, err, "decode response from %s %s", method, path)
	}
	return nil
}
