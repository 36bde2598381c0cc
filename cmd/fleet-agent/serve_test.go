// Copyright (C) 2025 fleet-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleet-x-project/fleet/config"
	"github.com/fleet-x-project/fleet/directory"
	"github.com/fleet-x-project/fleet/event"
	"github.com/fleet-x-project/fleet/health"
	"github.com/fleet-x-project/fleet/identity"
	"github.com/fleet-x-project/fleet/internal/logger"
	"github.com/fleet-x-project/fleet/rpc"
)

func TestLoadServeIdentityGeneratesWhenVaultDisabled(t *testing.T) {
	kp, err := loadServeIdentity(&config.Config{})
	require.NoError(t, err)
	defer kp.Zeroize()
	assert.Len(t, kp.PublicKey, 32)
}

func TestLoadServeIdentityRequiresAIDWhenVaultEnabled(t *testing.T) {
	serveAID = ""
	defer func() { serveAID = "" }()

	_, err := loadServeIdentity(&config.Config{
		Identity: &config.IdentityConfig{VaultEnabled: true},
	})
	assert.Error(t, err)
}

func TestHealthPathFallsBackToDefault(t *testing.T) {
	assert.Equal(t, "/healthz", healthPath(&config.Config{}))
	assert.Equal(t, "/custom", healthPath(&config.Config{Health: &config.HealthConfig{Path: "/custom"}}))
}

func TestBuildServerRegistersPingHandler(t *testing.T) {
	events := event.New(16)
	srv := buildServer(&config.Config{}, events, logger.NewDefaultLogger())
	defer srv.Close()

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	assert.Equal(t, 0, srv.GetConnectionCount())

	kp, err := identity.Generate()
	require.NoError(t, err)
	client, err := rpc.NewClient(kp)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Request(context.Background(), rpc.RequestOptions{
		To:     "ws" + strings.TrimPrefix(ts.URL, "http"),
		Method: "fleet.ping",
	})
	assert.NoError(t, err)
}

func TestBuildHealthCheckerReportsHealthyWithEmptyDirectory(t *testing.T) {
	dir := directory.NewInMemory()
	events := event.New(16)
	srv := buildServer(&config.Config{}, events, logger.NewDefaultLogger())
	defer srv.Close()

	checker := buildHealthChecker(&config.Config{}, dir, srv)
	status := checker.GetOverallStatus(context.Background())
	assert.Equal(t, health.StatusHealthy, status)
}
