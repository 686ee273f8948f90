package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fedivet/fedivet/internal/ap"
	"github.com/fedivet/fedivet/internal/db"
	"github.com/fedivet/fedivet/internal/envelope"
)

// ActorsPage is one page of the lookup's actor listing.
type ActorsPage struct {
	Actors    []db.ObjectRow `json:"actors"`
	PageCount int64          `json:"page_count"`
}

// LookupClient talks to one lookup service. Requests are signed when a
// signer is configured, so lookups running authorized fetch accept them.
type LookupClient struct {
	base   string
	http   *http.Client
	signer *ap.RequestSigner
}

func NewLookupClient(base string, timeout time.Duration, signer *ap.RequestSigner) *LookupClient {
	return &LookupClient{
		base:   strings.TrimRight(base, "/"),
		http:   &http.Client{Timeout: timeout},
		signer: signer,
	}
}

// Base returns the lookup's base address, the key under which its state is
// persisted.
func (c *LookupClient) Base() string {
	return c.base
}

// GetObject fetches the lookup's cached copy of one object.
func (c *LookupClient) GetObject(ctx context.Context, uri string) (*db.ObjectRow, error) {
	var row db.ObjectRow
	if err := c.getJSON(ctx, c.base+"/get/"+uri, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// ActorsPage fetches one page of the actor listing.
func (c *LookupClient) ActorsPage(ctx context.Context, page int64) (*ActorsPage, error) {
	var out ActorsPage
	if err := c.getJSON(ctx, fmt.Sprintf("%s/actors?page=%d", c.base, page), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitSignatures posts one signature batch.
func (c *LookupClient) SubmitSignatures(ctx context.Context, batch envelope.SignaturesBatch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/actors/sign", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.signer != nil {
		if err := c.signer.SignPost(req, body); err != nil {
			return err
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("lookup responded with %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (c *LookupClient) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.signer != nil {
		if err := c.signer.SignGet(req); err != nil {
			return err
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lookup responded with %d for %s", resp.StatusCode, rawURL)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
