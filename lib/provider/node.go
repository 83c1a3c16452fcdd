/*
Copyright 2024 Ordinals Plus

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package provider

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gravitational/trace"

	"github.com/ordinalsplus/btcoindexer/lib/metadata"
)

// nodeClient talks to an ord server's JSON endpoints.
type nodeClient struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func newNodeClient(cfg Config) *nodeClient {
	return &nodeClient{
		endpoint: cfg.Endpoint,
		client:   cfg.HTTPClient,
		logger:   cfg.Logger,
	}
}

// nodeInscription is the ord server inscription response.
type nodeInscription struct {
	ID          string `json:"id"`
	Number      int64  `json:"number"`
	ContentType string `json:"content_type"`
	Sat         *int64 `json:"sat"`
}

func (c *nodeClient) InscriptionByNumber(ctx context.Context, number int64) (*Inscription, error) {
	var out nodeInscription
	err := c.getJSON(ctx, fmt.Sprintf("%s/inscription/%d", c.endpoint, number), &out)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newInscription(out), nil
}

func (c *nodeClient) InscriptionByID(ctx context.Context, id string) (*Inscription, error) {
	var out nodeInscription
	err := c.getJSON(ctx, fmt.Sprintf("%s/inscription/%s", c.endpoint, id), &out)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return newInscription(out), nil
}

func (c *nodeClient) SatInfo(ctx context.Context, sat int64) (*SatInfo, error) {
	var out SatInfo
	err := c.getJSON(ctx, fmt.Sprintf("%s/sat/%d", c.endpoint, sat), &out)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// Metadata fetches the recursion endpoint's hex-encoded CBOR blob and
// decodes it. An inscription without metadata is a null tree.
func (c *nodeClient) Metadata(ctx context.Context, id string) (metadata.Value, error) {
	var hexBlob string
	err := c.getJSON(ctx, fmt.Sprintf("%s/r/metadata/%s", c.endpoint, id), &hexBlob)
	if err != nil {
		if trace.IsNotFound(err) {
			return metadata.Null(), nil
		}
		return metadata.Null(), trace.Wrap(err)
	}
	blob, err := hex.DecodeString(hexBlob)
	if err != nil {
		return metadata.Null(), trace.Wrap(err, "decoding metadata hex for %v", id)
	}
	md, err := metadata.FromCBOR(blob)
	if err != nil {
		return metadata.Null(), trace.Wrap(err)
	}
	return md, nil
}

func (c *nodeClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "fetching %v", url)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return trace.ConnectionProblem(err, "reading response from %v", url)
	}
	if resp.StatusCode != http.StatusOK {
		return trace.ReadError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return trace.Wrap(err, "decoding response from %v", url)
	}
	return nil
}

func newInscription(in nodeInscription) *Inscription {
	contentType := in.ContentType
	if contentType == "" {
		contentType = "unknown"
	}
	return &Inscription{
		ID:          in.ID,
		Number:      in.Number,
		ContentType: contentType,
		Sat:         in.Sat,
	}
}
