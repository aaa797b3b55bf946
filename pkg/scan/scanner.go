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

// Package scan implements the eight port-scanning techniques: Connect, Syn,
// Udp, and the TCP flag variants Fin/Null/Xmas/Ack/Window.
package scan

import (
	"context"

	"github.com/carverauto/serviceradar/pkg/models"
)

// Scanner is the common interface every scan technique implements.
type Scanner interface {
	Name() string
	Capabilities() models.Capabilities
	ScanPort(ctx context.Context, t models.Target, port uint16) (models.PortResult, error)
	ScanPorts(ctx context.Context, t models.Target, ports []uint16) (<-chan models.PortResult, error)
	Stop() error
}

// NewScanner builds the concrete Scanner for technique, wiring in shared
// dependencies (logger, timing estimator, port allocator). Raw-socket
// techniques share a single *rawsock.Socket passed in via opts.
func NewScanner(technique models.ScanTechnique, opts ScannerOptions) (Scanner, error) {
	switch technique {
	case models.TechniqueConnect:
		return NewConnectScanner(opts), nil
	case models.TechniqueSyn:
		return NewSynScanner(opts)
	case models.TechniqueFin:
		return newFlagScanner(models.TechniqueFin, flagSpec{synAckOpensPort: false, rstClosesPort: true}, opts)
	case models.TechniqueNull:
		return newFlagScanner(models.TechniqueNull, flagSpec{synAckOpensPort: false, rstClosesPort: true}, opts)
	case models.TechniqueXmas:
		return newFlagScanner(models.TechniqueXmas, flagSpec{synAckOpensPort: false, rstClosesPort: true}, opts)
	case models.TechniqueAck:
		return newFlagScanner(models.TechniqueAck, flagSpec{ackClassifiesFilteredState: true}, opts)
	case models.TechniqueWindow:
		return newFlagScanner(models.TechniqueWindow, flagSpec{ackClassifiesFilteredState: true, useWindowField: true}, opts)
	case models.TechniqueUdp:
		return NewUdpScanner(opts)
	default:
		return nil, &ConfigError{Detail: "unknown technique: " + string(technique)}
	}
}
