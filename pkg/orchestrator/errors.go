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

package orchestrator

import "errors"

var (
	errNoPortsResolved     = errors.New("orchestrator: no valid ports in scan config")
	errNoTargetsResolved   = errors.New("orchestrator: no targets resolved")
	errScanAlreadyRunning  = errors.New("orchestrator: scan already running")
	errNoFallbackAvailable = errors.New("orchestrator: technique requires raw sockets and has no fallback")
)
