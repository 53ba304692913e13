// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security
//
// Licensed under the Functional Source License, Version 1.1,
// ALv2 Future License, the terms and conditions of which are
// set forth in the "LICENSE" file included in the root directory
// of this code repository (the "License"); you may not use this
// file except in compliance with the License. You may obtain
// a copy of the License at
//
// https://fsl.software/FSL-1.1-ALv2.template.md
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	ollama "github.com/ollama/ollama/api"
)

// ModelLoader abstracts "preload a model onto a worker" as a collaborator
// operation, per the scheduler design's note that the exact HTTP shape of
// the preload trick shouldn't leak into the controller. OllamaLoader is the
// only production implementation; tests substitute a fake.
type ModelLoader interface {
	EnsureLoaded(ctx context.Context, workerIP, model string, contextLength int) error
}

// OllamaLoader preloads a model by issuing a minimal generate request,
// directly grounded on the teacher's own OllamaInitializer.PrewarmModel.
type OllamaLoader struct {
	httpClient *http.Client
}

// NewOllamaLoader constructs an OllamaLoader with the ≥120s timeout the
// scheduler design requires for model preload.
func NewOllamaLoader() *OllamaLoader {
	return &OllamaLoader{
		httpClient: &http.Client{Timeout: 150 * time.Second},
	}
}

func (o *OllamaLoader) EnsureLoaded(ctx context.Context, workerIP, model string, contextLength int) error {
	stream := false
	req := ollama.GenerateRequest{
		Model:  model,
		Prompt: "test",
		Stream: &stream,
	}
	if contextLength > 0 {
		req.Options = map[string]any{"num_ctx": contextLength}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal preload request: %w", err)
	}

	url := fmt.Sprintf("http://%s:11434/api/generate", workerIP)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build preload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("preload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("preload request returned status %d", resp.StatusCode)
	}

	return nil
}
