// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package lbas

import (
	"encoding/json"
)

const DefaultConfigFile = "/etc/lbas/config.yml"

// Config is the site configuration for a load balancer process. Zero
// values are replaced by the defaults in lib/config's embedded
// config.default.yml when loaded from a file; components also fall
// back to built-in defaults when a zero value reaches them directly.
type Config struct {
	SystemLogs struct {
		Format   string
		LogLevel string
	}

	// Address (host:port) to listen on for client requests,
	// management API, metrics, and health checks.
	Listen string

	// On SIGTERM, stop accepting requests and wait this long for
	// requests in progress to finish.
	ShutdownTimeout Duration

	// Token required by the management API, /metrics, and
	// /_health/ping. If empty, those endpoints are disabled.
	ManagementToken string

	Fleet struct {
		// Cost units a single worker can carry at once.
		Capacity int64

		// Requests estimated below this cost are sent to
		// the serverless backend when no worker has room.
		ServerlessThreshold int64

		// Average fleet load above SpreadThreshold*Capacity
		// selects the spreading strategy; below
		// PackThreshold*Capacity selects packing.
		SpreadThreshold float64
		PackThreshold   float64

		WorkerPort     int
		WarmupDelay    Duration
		ConnectTimeout Duration
		ForwardTimeout Duration
	}

	Placement struct {
		MaxAttempts int
		RetryDelay  Duration
	}

	HealthCheck struct {
		Path         string
		Interval     Duration
		FastInterval Duration
		FastTimeout  Duration
		ProbeTimeout Duration
	}

	AutoScaler struct {
		Interval            Duration
		Cooldown            Duration
		ScaleOutCPU         float64
		ScaleInCPU          float64
		ScaleInLoadFraction float64
		QueueWakeFraction   float64
		MinWorkers          int
		MaxWorkers          int
		ObservationWindow   Duration
		AddressPollInterval Duration
		AddressTimeout      Duration
		TerminateTimeout    Duration

		// Maximum rate of create/terminate calls to the cloud
		// provider. Zero means unlimited.
		MaxCloudOpsPerSecond float64
	}

	Cloud struct {
		Driver           string
		ImageID          string
		InstanceType     string
		DriverParameters json.RawMessage
	}

	Serverless struct {
		Driver           string
		DriverParameters json.RawMessage
	}

	MetricsStore struct {
		Driver           string
		DriverParameters json.RawMessage
	}

	Estimator struct {
		CacheSize int
	}
}
