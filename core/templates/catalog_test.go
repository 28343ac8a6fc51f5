package templates

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"pipeline-orchestrator/core/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetTemplate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/templates/research-report":
			w.Write([]byte(`{
				"name": "research-report",
				"version": 3,
				"stages": [
					{"worker_name": "researcher", "action": "gather", "required": true},
					{"worker_name": "writer", "action": "compose", "required": true}
				]
			}`))
		case "/templates/empty":
			w.Write([]byte(`{"name": "empty", "stages": []}`))
		case "/templates/garbled":
			w.Write([]byte(`{not json`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	catalog := NewHTTPCatalog(server.URL)
	ctx := context.Background()

	tmpl, err := catalog.GetTemplate(ctx, "research-report")
	require.NoError(t, err)
	assert.Equal(t, "research-report", tmpl.Name)
	assert.Equal(t, 3, tmpl.Version)
	require.Len(t, tmpl.Stages, 2)
	assert.Equal(t, "researcher", tmpl.Stages[0].WorkerName)

	_, err = catalog.GetTemplate(ctx, "missing")
	assert.ErrorIs(t, err, ErrTemplateInvalid)

	_, err = catalog.GetTemplate(ctx, "empty")
	assert.ErrorIs(t, err, ErrTemplateInvalid)

	_, err = catalog.GetTemplate(ctx, "garbled")
	assert.ErrorIs(t, err, ErrTemplateInvalid)
}

func TestValidate(t *testing.T) {
	valid := &models.PipelineTemplate{
		Name: "ok",
		Stages: []models.Stage{
			{WorkerName: "researcher", Action: "gather"},
		},
	}
	assert.NoError(t, Validate(valid))

	assert.ErrorIs(t, Validate(&models.PipelineTemplate{Name: "no-stages"}), ErrTemplateInvalid)

	assert.ErrorIs(t, Validate(&models.PipelineTemplate{
		Name:   "no-worker",
		Stages: []models.Stage{{Action: "gather"}},
	}), ErrTemplateInvalid)

	assert.ErrorIs(t, Validate(&models.PipelineTemplate{
		Name:   "no-action",
		Stages: []models.Stage{{WorkerName: "researcher"}},
	}), ErrTemplateInvalid)

	assert.ErrorIs(t, Validate(&models.PipelineTemplate{
		Name: "bad-retries",
		Stages: []models.Stage{
			{WorkerName: "researcher", Action: "gather", Retry: models.RetryConfig{MaxAttempts: -1}},
		},
	}), ErrTemplateInvalid)
}
