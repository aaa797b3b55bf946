/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package scan

import (
	"net"
	"time"

	"github.com/carverauto/serviceradar/pkg/logger"
	"github.com/carverauto/serviceradar/pkg/rawsock"
	"github.com/carverauto/serviceradar/pkg/timing"
)

// ScannerOptions bundles the dependencies shared across scan technique
// constructors, so the orchestrator wires them up once per run rather than
// each technique opening its own raw socket or estimator.
type ScannerOptions struct {
	Logger      logger.Logger
	Timeout     time.Duration
	Concurrency int
	Estimator   *timing.Estimator
	Socket      *rawsock.Socket // shared by Syn and the TCP flag-variant scanners
	SourceIP    net.IP
	PortAllocator *PortAllocator
}
