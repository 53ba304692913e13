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

package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	ollama "github.com/ollama/ollama/api"
	openai "github.com/sashabaranov/go-openai"

	"github.com/latticeforge/gpu-gateway/gatewayerr"
	"github.com/latticeforge/gpu-gateway/metrics"
	"github.com/latticeforge/gpu-gateway/placement"
)

// translateOpenAIToOllama maps an OpenAI chat request onto the Ollama chat
// wire shape. temperature and top_p become options verbatim; max_tokens
// becomes options.num_ctx, which is a lossy approximation (num_ctx is a
// context-window budget, not an output-token cap) accepted here for
// compatibility with clients that only know the OpenAI surface.
func translateOpenAIToOllama(req openai.ChatCompletionRequest) ollama.ChatRequest {
	messages := make([]ollama.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, ollama.Message{Role: m.Role, Content: m.Content})
	}

	options := map[string]any{}
	if req.Temperature != 0 {
		options["temperature"] = req.Temperature
	}
	if req.TopP != 0 {
		options["top_p"] = req.TopP
	}
	if req.MaxTokens != 0 {
		options["num_ctx"] = req.MaxTokens
	}

	stream := req.Stream
	return ollama.ChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   &stream,
		Options:  options,
	}
}

// translateOllamaToOpenAI maps a single non-streaming Ollama chat response
// back onto the OpenAI completion shape. Streaming responses are not
// translated chunk-by-chunk: they are forwarded in Ollama's own
// newline-delimited JSON shape, same as the native Ollama surfaces.
func translateOllamaToOpenAI(model string, resp ollama.ChatResponse) openai.ChatCompletionResponse {
	finishReason := openai.FinishReasonStop
	if !resp.Done {
		finishReason = ""
	}
	return openai.ChatCompletionResponse{
		Model:   model,
		Created: time.Now().Unix(),
		Choices: []openai.ChatCompletionChoice{
			{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    resp.Message.Role,
					Content: resp.Message.Content,
				},
				FinishReason: finishReason,
			},
		},
	}
}

func (s *Service) handleOpenAIChat(w http.ResponseWriter, r *http.Request, userID string) {
	reqID := uuid.NewString()
	start := time.Now()

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, reqID, gatewayerr.New(gatewayerr.KindBadState, "failed to read request body", err))
		return
	}

	var openaiReq openai.ChatCompletionRequest
	if err := json.Unmarshal(rawBody, &openaiReq); err != nil {
		writeError(w, reqID, gatewayerr.New(gatewayerr.KindBadState, "malformed openai chat request", err))
		return
	}

	ollamaReq := translateOpenAIToOllama(openaiReq)
	body, err := json.Marshal(ollamaReq)
	if err != nil {
		writeError(w, reqID, gatewayerr.New(gatewayerr.KindBadState, "failed to translate request", err))
		return
	}

	fp := placement.Fingerprint{
		Model:         openaiReq.Model,
		ContextLength: contextLengthFromOptions(ollamaReq.Options),
		UserID:        userID,
	}

	if !s.acquireUserLock(r.Context(), w, reqID, userID) {
		metrics.RequestsTotal.WithLabelValues("openai", "user_busy").Inc()
		return
	}
	defer s.locks.Release(userID)

	lease, worker, gerr := s.reserveAndStart(r.Context(), userID, fp)
	if gerr != nil {
		metrics.RequestsTotal.WithLabelValues("openai", outcomeForKind(gerr.Kind)).Inc()
		writeError(w, reqID, gerr)
		return
	}
	defer lease.Release()

	if openaiReq.Stream {
		if gerr := s.proxyToWorker(r.Context(), w, http.MethodPost, worker.IP, "/api/chat", body, "application/json"); gerr != nil {
			metrics.RequestsTotal.WithLabelValues("openai", outcomeForKind(gerr.Kind)).Inc()
			writeError(w, reqID, gerr)
			return
		}
		metrics.RequestsTotal.WithLabelValues("openai", "ok").Inc()
		metrics.RequestDuration.WithLabelValues("openai").Observe(time.Since(start).Seconds())
		return
	}

	ollamaResp, gerr := s.callWorkerChat(r.Context(), worker.IP, body)
	if gerr != nil {
		metrics.RequestsTotal.WithLabelValues("openai", outcomeForKind(gerr.Kind)).Inc()
		writeError(w, reqID, gerr)
		return
	}

	metrics.RequestsTotal.WithLabelValues("openai", "ok").Inc()
	metrics.RequestDuration.WithLabelValues("openai").Observe(time.Since(start).Seconds())
	writeJSON(w, http.StatusOK, translateOllamaToOpenAI(openaiReq.Model, ollamaResp))
}
