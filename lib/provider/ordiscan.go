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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gravitational/trace"

	"github.com/ordinalsplus/btcoindexer/lib/metadata"
)

// ordiscanClient talks to the ordiscan REST API. Responses arrive wrapped
// in a data envelope and metadata comes back inline as JSON rather than as
// a CBOR blob.
type ordiscanClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

func newOrdiscanClient(cfg Config) *ordiscanClient {
	return &ordiscanClient{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   cfg.HTTPClient,
		logger:   cfg.Logger,
	}
}

// ordiscanInscription is the API's inscription payload.
type ordiscanInscription struct {
	InscriptionID     string          `json:"inscription_id"`
	InscriptionNumber int64           `json:"inscription_number"`
	ContentType       string          `json:"content_type"`
	Sat               *int64          `json:"sat"`
	Metadata          json.RawMessage `json:"metadata"`
}

func (c *ordiscanClient) InscriptionByNumber(ctx context.Context, number int64) (*Inscription, error) {
	ins, err := c.fetchInscription(ctx, fmt.Sprintf("%d", number))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return ins.export(), nil
}

func (c *ordiscanClient) InscriptionByID(ctx context.Context, id string) (*Inscription, error) {
	ins, err := c.fetchInscription(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return ins.export(), nil
}

func (c *ordiscanClient) SatInfo(ctx context.Context, sat int64) (*SatInfo, error) {
	var out SatInfo
	if err := c.getJSON(ctx, fmt.Sprintf("%s/v1/sat/%d", c.endpoint, sat), &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

func (c *ordiscanClient) Metadata(ctx context.Context, id string) (metadata.Value, error) {
	ins, err := c.fetchInscription(ctx, id)
	if err != nil {
		if trace.IsNotFound(err) {
			return metadata.Null(), nil
		}
		return metadata.Null(), trace.Wrap(err)
	}
	if len(ins.Metadata) == 0 {
		return metadata.Null(), nil
	}
	md, err := metadata.FromJSON(ins.Metadata)
	if err != nil {
		return metadata.Null(), trace.Wrap(err)
	}
	return md, nil
}

func (c *ordiscanClient) fetchInscription(ctx context.Context, ref string) (*ordiscanInscription, error) {
	var out ordiscanInscription
	if err := c.getJSON(ctx, fmt.Sprintf("%s/v1/inscription/%s", c.endpoint, ref), &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

func (c *ordiscanClient) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
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
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return trace.Wrap(err, "decoding response from %v", url)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return trace.Wrap(err, "decoding response data from %v", url)
	}
	return nil
}

func (i *ordiscanInscription) export() *Inscription {
	contentType := i.ContentType
	if contentType == "" {
		contentType = "unknown"
	}
	return &Inscription{
		ID:          i.InscriptionID,
		Number:      i.InscriptionNumber,
		ContentType: contentType,
		Sat:         i.Sat,
	}
}
