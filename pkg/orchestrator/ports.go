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
	"sort"
	"strconv"
	"strings"
)

// resolvePorts merges an explicit port list with "start-end" range
// strings into a single deduplicated, ascending, PortSpec-valid ([1,
// 65535]) slice. Input order is not preserved, and Scan adds results
// to the report in the order they complete, so the report does not follow
// the input order either.
func resolvePorts(ports []int, ranges []string) ([]uint16, error) {
	seen := make(map[uint16]struct{}, len(ports))

	add := func(p int) error {
		if p < 1 || p > 65535 {
			return fmt.Errorf("port out of range [1,65535]: %d", p)
		}

		seen[uint16(p)] = struct{}{}

		return nil
	}

	for _, p := range ports {
		if err := add(p); err != nil {
			return nil, err
		}
	}

	for _, r := range ranges {
		start, end, err := parsePortRange(r)
		if err != nil {
			return nil, err
		}

		for p := start; p <= end; p++ {
			if err := add(p); err != nil {
				return nil, err
			}
		}
	}

	if len(seen) == 0 {
		return nil, errNoPortsResolved
	}

	out := make([]uint16, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out, nil
}

func parsePortRange(spec string) (start, end int, err error) {
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid port range %q: expected start-end", spec)
	}

	start, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range %q: %w", spec, err)
	}

	end, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range %q: %w", spec, err)
	}

	if start > end {
		return 0, 0, fmt.Errorf("invalid port range %q: start after end", spec)
	}

	return start, end, nil
}
