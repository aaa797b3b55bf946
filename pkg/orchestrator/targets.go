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

import (
	"fmt"
	"net"
	"strings"

	"github.com/carverauto/serviceradar/pkg/logger"
	"github.com/carverauto/serviceradar/pkg/models"
	"github.com/carverauto/serviceradar/pkg/scan"
)

// exclusionList filters CIDR ranges out of a resolved target set, so an
// operator can exclude ranges they never want probed. Checked once at
// ingress, before any target is handed to a scanner.
type exclusionList struct {
	networks []*net.IPNet
	logger   logger.Logger
}

func newExclusionList(cidrs []string, log logger.Logger) (*exclusionList, error) {
	el := &exclusionList{networks: make([]*net.IPNet, 0, len(cidrs)), logger: log}

	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid exclusion CIDR %s: %w", cidr, err)
		}

		el.networks = append(el.networks, network)
	}

	return el, nil
}

func (el *exclusionList) excludes(ip net.IP) bool {
	for _, network := range el.networks {
		if network.Contains(ip) {
			if el.logger != nil {
				el.logger.Debug().Str("ip", ip.String()).Str("network", network.String()).
					Msg("target excluded by exclusion list")
			}

			return true
		}
	}

	return false
}

// resolveTargets expands a target spec (dotted-quad, hostname, or CIDR)
// into concrete models.Target values, dropping anything in excluded.
// Hostnames that fail to resolve are a fatal ingress error, per the
// requirement that bad input is rejected before any packet is sent.
func resolveTargets(specs []string, excluded *exclusionList) ([]models.Target, error) {
	var out []models.Target

	for _, spec := range specs {
		expanded, err := expandOne(spec)
		if err != nil {
			return nil, err
		}

		for _, t := range expanded {
			if excluded != nil && t.IP != nil && excluded.excludes(t.IP) {
				continue
			}

			out = append(out, t)
		}
	}

	if len(out) == 0 {
		return nil, errNoTargetsResolved
	}

	return out, nil
}

func expandOne(spec string) ([]models.Target, error) {
	if strings.Contains(spec, "/") {
		ips, err := scan.ExpandCIDR(spec)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %s: %w", spec, err)
		}

		targets := make([]models.Target, 0, len(ips))
		for _, ip := range ips {
			targets = append(targets, scan.TargetFromIP(ip))
		}

		return targets, nil
	}

	if ip := net.ParseIP(spec); ip != nil {
		return []models.Target{{IP: ip}}, nil
	}

	addrs, err := net.LookupIP(spec)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve target %s: %w", spec, err)
	}

	for _, addr := range addrs {
		if v4 := addr.To4(); v4 != nil {
			return []models.Target{{IP: v4, Host: spec}}, nil
		}
	}

	return nil, fmt.Errorf("target %s has no IPv4 address", spec)
}
