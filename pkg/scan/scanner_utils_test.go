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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/carverauto/serviceradar/pkg/models"
)

func TestExpandCIDRSkipsNetworkAndBroadcast(t *testing.T) {
	ips, err := ExpandCIDR("192.168.1.0/30")
	require.NoError(t, err)
	require.Equal(t, []string{"192.168.1.1", "192.168.1.2"}, ips)
}

func TestExpandCIDRSingleHost(t *testing.T) {
	ips, err := ExpandCIDR("10.0.0.5/32")
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.5"}, ips)
}

func TestExpandCIDRInvalid(t *testing.T) {
	_, err := ExpandCIDR("not-a-cidr")
	require.Error(t, err)
}

func TestTargetFromIPParsesDottedQuad(t *testing.T) {
	target := TargetFromIP("198.51.100.7")
	require.NotNil(t, target.IP)
	require.Equal(t, "198.51.100.7", target.IP.String())
}

func TestTargetFromIPFallsBackToHost(t *testing.T) {
	target := TargetFromIP("example.invalid")
	require.Nil(t, target.IP)
	require.Equal(t, "example.invalid", target.Host)
}

func TestServiceNameKnownAndUnknown(t *testing.T) {
	require.Equal(t, "ssh", ServiceName(22))
	require.Equal(t, "https", ServiceName(443))
	require.Equal(t, "", ServiceName(54321))
}

func TestNewScannerRejectsUnknownTechnique(t *testing.T) {
	_, err := NewScanner(models.ScanTechnique("bogus"), ScannerOptions{})
	require.Error(t, err)

	var scanErr ScanError
	require.ErrorAs(t, err, &scanErr)
	require.Equal(t, KindConfig, scanErr.ErrorKind())
}

func TestNewScannerConnectNeedsNoSocket(t *testing.T) {
	s, err := NewScanner(models.TechniqueConnect, ScannerOptions{})
	require.NoError(t, err)
	require.Equal(t, "connect", s.Name())
}

func TestNewScannerSynRequiresSocket(t *testing.T) {
	_, err := NewScanner(models.TechniqueSyn, ScannerOptions{})
	require.Error(t, err)

	var scanErr ScanError
	require.ErrorAs(t, err, &scanErr)
	require.Equal(t, KindConfig, scanErr.ErrorKind())
}
