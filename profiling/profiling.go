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

package profiling

import (
	"log"
	"net/http"
	_ "net/http/pprof" // #nosec G108 -- Profiling endpoints intentionally exposed for debugging
	"os"
	"time"

	"github.com/felixge/fgprof"
)

// EnvVar is the environment variable that must be set to true/1 to enable
// the gateway's profiling endpoints.
const EnvVar = "PROFILE_GPU_GATEWAY"

// ServePort is the port on which the profiler UI will be served.
const ServePort = "6062"

// InitIfEnabled starts a pprof/fgprof server on localhost:ServePort if
// EnvVar is set, otherwise it is a no-op.
func InitIfEnabled() {
	enabled := os.Getenv(EnvVar)
	if enabled != "1" && enabled != "true" {
		return
	}
	http.DefaultServeMux.Handle("/debug/fgprof", fgprof.Handler())
	go func() {
		server := &http.Server{
			Addr:         "localhost:" + ServePort,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		log.Println(server.ListenAndServe())
	}()
}
