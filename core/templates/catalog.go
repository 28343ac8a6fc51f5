package templates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"pipeline-orchestrator/core/models"
)

// ErrTemplateInvalid marks a missing or malformed template. Fatal and
// non-retryable for the pipeline that requested it.
var ErrTemplateInvalid = errors.New("template invalid")

// Catalog resolves template names to definitions. The catalog service owns
// templates; the orchestrator only reads them.
type Catalog interface {
	GetTemplate(ctx context.Context, name string) (*models.PipelineTemplate, error)
}

// HTTPCatalog is a client for the external template catalog service
type HTTPCatalog struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPCatalog creates a catalog client
func NewHTTPCatalog(baseURL string) *HTTPCatalog {
	return &HTTPCatalog{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type templateResponse struct {
	Name       string                    `json:"name"`
	Version    int                       `json:"version"`
	Stages     []models.Stage            `json:"stages"`
	Parameters []models.TemplateParameter `json:"parameters"`
}

// GetTemplate fetches and validates a template by name
func (c *HTTPCatalog) GetTemplate(ctx context.Context, name string) (*models.PipelineTemplate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/templates/"+name, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch template %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: template %s not found", ErrTemplateInvalid, name)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog returned %d for template %s", resp.StatusCode, name)
	}

	var body templateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: template %s malformed: %v", ErrTemplateInvalid, name, err)
	}

	tmpl := &models.PipelineTemplate{
		Name:       body.Name,
		Version:    body.Version,
		Stages:     body.Stages,
		Parameters: body.Parameters,
	}
	if tmpl.Name == "" {
		tmpl.Name = name
	}

	if err := Validate(tmpl); err != nil {
		return nil, err
	}
	return tmpl, nil
}

// Validate rejects templates the executor could not run. An empty stage
// list is a misconfiguration, never a silently successful pipeline.
func Validate(tmpl *models.PipelineTemplate) error {
	if len(tmpl.Stages) == 0 {
		return fmt.Errorf("%w: template %s has no stages", ErrTemplateInvalid, tmpl.Name)
	}
	for i, stage := range tmpl.Stages {
		if stage.WorkerName == "" {
			return fmt.Errorf("%w: template %s stage %d has no worker", ErrTemplateInvalid, tmpl.Name, i)
		}
		if stage.Action == "" {
			return fmt.Errorf("%w: template %s stage %d has no action", ErrTemplateInvalid, tmpl.Name, i)
		}
		if stage.Retry.MaxAttempts < 0 {
			return fmt.Errorf("%w: template %s stage %d has negative max_attempts", ErrTemplateInvalid, tmpl.Name, i)
		}
	}
	return nil
}
