// Package opensearch indexes validated records into an OpenSearch index, one
// document per storage key.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	opensearchgo "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
)

// Config locates the cluster and index.
type Config struct {
	Addresses []string
	Username  string
	Password  string
	Index     string
	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
}

// IndexStore upserts records through the document update API.
type IndexStore struct {
	client *opensearchgo.Client
	index  string
}

// New builds an IndexStore. Client-side retries are disabled; the pipeline
// owns retry decisions.
func New(cfg Config) (*IndexStore, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("opensearch addresses are required")
	}
	if cfg.Index == "" {
		cfg.Index = "records"
	}
	client, err := opensearchgo.NewClient(opensearchgo.Config{
		Addresses:    cfg.Addresses,
		Username:     cfg.Username,
		Password:     cfg.Password,
		Transport:    cfg.Transport,
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create opensearch client: %w", err)
	}
	return &IndexStore{client: client, index: cfg.Index}, nil
}

// Name identifies the connector.
func (s *IndexStore) Name() string {
	return "opensearch"
}

type updateBody struct {
	Doc        map[string]any           `json:"doc"`
	Upsert     pipeline.ValidatedRecord `json:"upsert"`
	DetectNoop bool                     `json:"detect_noop"`
}

type updateResponse struct {
	Result string `json:"result"`
}

// Upsert creates the document or merges changed schema/fields into it.
// OpenSearch reports "noop" for an unchanged redelivery.
func (s *IndexStore) Upsert(ctx context.Context, record pipeline.ValidatedRecord) (pipeline.UpsertResult, error) {
	const op = "opensearch upsert"
	if record.Key == "" {
		return pipeline.UpsertResult{}, pipeline.Constraint(op, errors.New("empty storage key"))
	}
	body, err := json.Marshal(updateBody{
		Doc:        map[string]any{"schema": record.Schema, "fields": record.Fields},
		Upsert:     record,
		DetectNoop: true,
	})
	if err != nil {
		return pipeline.UpsertResult{}, pipeline.Constraint(op, fmt.Errorf("marshal record: %w", err))
	}

	req := opensearchapi.UpdateRequest{
		Index:      s.index,
		DocumentID: string(record.Key),
		Body:       bytes.NewReader(body),
	}
	resp, err := req.Do(ctx, s.client)
	if err != nil {
		return pipeline.UpsertResult{}, pipeline.Unavailable(op, err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		err := fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
		if resp.StatusCode == http.StatusBadRequest {
			return pipeline.UpsertResult{}, pipeline.Constraint(op, err)
		}
		return pipeline.UpsertResult{}, pipeline.Unavailable(op, err)
	}
	var out updateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return pipeline.UpsertResult{}, pipeline.Unavailable(op, fmt.Errorf("decode response: %w", err))
	}
	return pipeline.UpsertResult{Key: record.Key, Written: out.Result != "noop"}, nil
}

// Ping checks that the cluster answers.
func (s *IndexStore) Ping(ctx context.Context) error {
	resp, err := opensearchapi.PingRequest{}.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("ping opensearch: %w", err)
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return fmt.Errorf("ping opensearch: status %d", resp.StatusCode)
	}
	return nil
}
