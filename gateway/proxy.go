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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	ollama "github.com/ollama/ollama/api"

	"github.com/latticeforge/gpu-gateway/gatewayerr"
)

// proxyTimeout bounds the overall inference call. It wraps the request's own
// context, so a client disconnect (which cancels the request context) still
// unblocks the upstream call immediately without needing a second channel.
const proxyTimeout = 300 * time.Second

// flushWriter flushes after every Write so a chunked upstream response is
// forwarded to the client as it arrives instead of buffering until the
// upstream connection closes.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}

// proxyToWorker POSTs body to path on workerIP's Ollama daemon and streams
// the response back to w verbatim, byte for byte. method lets the
// passthrough surface forward arbitrary Ollama management calls.
//
// A non-nil return means the upstream call never got a response written to
// w, so the caller may still write its own error body. Once headers have
// been written a stream-copy failure is only logged: the client has already
// received a status line and the gateway has no way to retract it.
func (s *Service) proxyToWorker(ctx context.Context, w http.ResponseWriter, method, workerIP, path string, body []byte, contentType string) *gatewayerr.Error {
	ctx, cancel := context.WithTimeout(ctx, proxyTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:11434%s", workerIP, path)
	upstreamReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return gatewayerr.New(gatewayerr.KindUpstreamFailed, "failed to build upstream request", err)
	}
	if contentType != "" {
		upstreamReq.Header.Set("Content-Type", contentType)
	}

	resp, err := s.httpClient.Do(upstreamReq)
	if err != nil {
		return gatewayerr.New(gatewayerr.KindUpstreamFailed, "upstream request failed", err)
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	dst := io.Writer(w)
	if flusher != nil {
		dst = flushWriter{w: w, f: flusher}
	}

	if _, err := io.Copy(dst, resp.Body); err != nil {
		slog.Error("upstream stream copy failed after headers were sent", "path", path, "error", err)
	}
	return nil
}

// callWorkerChat issues a non-streaming chat call and decodes the full
// response, for surfaces (the OpenAI translation) that need to reshape the
// body before handing it to the client rather than forwarding it verbatim.
func (s *Service) callWorkerChat(ctx context.Context, workerIP string, body []byte) (ollama.ChatResponse, *gatewayerr.Error) {
	ctx, cancel := context.WithTimeout(ctx, proxyTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:11434/api/chat", workerIP)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ollama.ChatResponse{}, gatewayerr.New(gatewayerr.KindUpstreamFailed, "failed to build upstream request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return ollama.ChatResponse{}, gatewayerr.New(gatewayerr.KindUpstreamFailed, "upstream request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ollama.ChatResponse{}, gatewayerr.New(gatewayerr.KindUpstreamFailed, "upstream returned a non-200 status", nil)
	}

	var out ollama.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ollama.ChatResponse{}, gatewayerr.New(gatewayerr.KindUpstreamFailed, "failed to decode upstream response", err)
	}
	return out, nil
}
