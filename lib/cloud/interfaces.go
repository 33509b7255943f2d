// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// A RateLimitError should be returned by an InstanceSet when the
// cloud service indicates it is rejecting all API calls for some time
// interval.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// A QuotaError should be returned by an InstanceSet when the cloud
// service indicates the account cannot create more VMs than already
// exist.
type QuotaError interface {
	// If true, don't create more instances until some existing
	// instances are destroyed. If false, don't handle the error
	// as a quota error.
	IsQuotaError() bool
	error
}

var ErrNotImplemented = errors.New("not implemented")

type InstanceID string
type ImageID string

type InstanceState string

const (
	InstancePending    InstanceState = "pending"
	InstanceRunning    InstanceState = "running"
	InstanceTerminated InstanceState = "terminated"
)

// InstanceStatus is a snapshot of a cloud instance as reported by
// the provider.
type InstanceStatus struct {
	ID    InstanceID
	State InstanceState

	// Routable address (hostname or IP) at which the instance's
	// worker port can be reached, or "" if the provider has not
	// assigned one yet.
	Address string
}

// An InstanceSet manages the compute instances that make up a worker
// fleet.
type InstanceSet interface {
	// Create a new instance from the given image and provider
	// instance type. The returned ID can be passed to Describe
	// and Terminate right away, even if the instance is still
	// booting.
	Create(ctx context.Context, instanceType string, image ImageID) (InstanceID, error)

	// Return the current status of the given instance.
	Describe(ctx context.Context, id InstanceID) (InstanceStatus, error)

	// Shut down the given instance. Terminating an
	// already-terminated instance is not an error.
	Terminate(ctx context.Context, id InstanceID) error

	// Stop any background tasks and release other resources.
	Stop()
}

// Datapoint is one utilization sample.
type Datapoint struct {
	Time  time.Time
	Value float64
}

// Telemetry reports per-instance CPU utilization.
type Telemetry interface {
	// Return CPU utilization samples (percent, 0-100) for the
	// given instance covering the last window, ordered oldest
	// first. An instance with no data yet returns an empty slice
	// and no error.
	Utilization(ctx context.Context, id InstanceID, window time.Duration) ([]Datapoint, error)
}

// An Invoker runs a serverless function synchronously.
type Invoker interface {
	// Invoke the named function with the given JSON payload,
	// and return the function's status code and response body.
	// A non-nil error means the invocation itself failed (no
	// status is available).
	Invoke(ctx context.Context, function string, payload []byte) (status int, body []byte, err error)
}

// A Driver returns an InstanceSet configured with the given
// driver-specific parameters.
//
// The supplied config can be nil, empty, or an arbitrary JSON
// object, depending on what the driver needs.
type Driver interface {
	InstanceSet(config json.RawMessage, logger logrus.FieldLogger) (InstanceSet, error)
}

// DriverFunc makes a Driver using the provided function as its
// InstanceSet method.
func DriverFunc(fn func(config json.RawMessage, logger logrus.FieldLogger) (InstanceSet, error)) Driver {
	return driverFunc(fn)
}

type driverFunc func(config json.RawMessage, logger logrus.FieldLogger) (InstanceSet, error)

func (df driverFunc) InstanceSet(config json.RawMessage, logger logrus.FieldLogger) (InstanceSet, error) {
	return df(config, logger)
}

// An InvokerDriver returns an Invoker configured with the given
// driver-specific parameters.
type InvokerDriver interface {
	Invoker(config json.RawMessage, logger logrus.FieldLogger) (Invoker, error)
}

// InvokerDriverFunc makes an InvokerDriver using the provided
// function as its Invoker method.
func InvokerDriverFunc(fn func(config json.RawMessage, logger logrus.FieldLogger) (Invoker, error)) InvokerDriver {
	return invokerDriverFunc(fn)
}

type invokerDriverFunc func(config json.RawMessage, logger logrus.FieldLogger) (Invoker, error)

func (df invokerDriverFunc) Invoker(config json.RawMessage, logger logrus.FieldLogger) (Invoker, error) {
	return df(config, logger)
}
