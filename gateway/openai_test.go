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
	"testing"

	ollama "github.com/ollama/ollama/api"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslateOpenAIToOllamaPreservesModelAndMessages(t *testing.T) {
	req := openai.ChatCompletionRequest{
		Model: "llama3",
		Messages: []openai.ChatCompletionMessage{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hello"},
		},
		Stream:      true,
		Temperature: 0.5,
		MaxTokens:   2048,
	}

	out := translateOpenAIToOllama(req)

	assert.Equal(t, "llama3", out.Model)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "system", out.Messages[0].Role)
	assert.Equal(t, "be terse", out.Messages[0].Content)
	assert.Equal(t, "user", out.Messages[1].Role)
	assert.Equal(t, "hello", out.Messages[1].Content)
	require.NotNil(t, out.Stream)
	assert.True(t, *out.Stream)
	assert.Equal(t, float32(0.5), out.Options["temperature"])
	assert.Equal(t, 2048, out.Options["num_ctx"], "max_tokens is approximated as num_ctx")
}

func TestTranslateOpenAIToOllamaOmitsZeroValuedOptions(t *testing.T) {
	out := translateOpenAIToOllama(openai.ChatCompletionRequest{Model: "llama3"})
	assert.Empty(t, out.Options)
}

func TestTranslateOllamaToOpenAIRoundTripsRoleAndContent(t *testing.T) {
	resp := ollama.ChatResponse{
		Model: "llama3",
		Message: ollama.Message{
			Role:    "assistant",
			Content: "hi there",
		},
		Done: true,
	}

	out := translateOllamaToOpenAI("llama3", resp)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "assistant", out.Choices[0].Message.Role)
	assert.Equal(t, "hi there", out.Choices[0].Message.Content)
	assert.Equal(t, openai.FinishReasonStop, out.Choices[0].FinishReason)
	assert.Equal(t, "llama3", out.Model)
}

func TestTranslateOllamaToOpenAILeavesFinishReasonEmptyWhenNotDone(t *testing.T) {
	resp := ollama.ChatResponse{Message: ollama.Message{Role: "assistant", Content: "partial"}, Done: false}
	out := translateOllamaToOpenAI("llama3", resp)
	assert.Empty(t, out.Choices[0].FinishReason)
}
