// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"
	"fmt"

	"github.com/computefarm/lbas/lib/cloud"
	"github.com/computefarm/lbas/lib/cloud/awslambda"
	"github.com/computefarm/lbas/lib/cloud/ec2"
	"github.com/computefarm/lbas/lib/cloud/loopback"
	"github.com/computefarm/lbas/lib/metricstore"
	"github.com/computefarm/lbas/lib/metricstore/dynamodb"
	"github.com/computefarm/lbas/lib/metricstore/postgresql"
	"github.com/computefarm/lbas/sdk/go/lbas"
	"github.com/sirupsen/logrus"
)

// Drivers is a map of available cloud drivers.
// Clusters with Cloud.Driver==foo use Drivers["foo"].
var Drivers = map[string]cloud.Driver{
	"ec2":      ec2.Driver,
	"loopback": loopback.Driver,
}

// InvokerDrivers is a map of available serverless backends.
var InvokerDrivers = map[string]cloud.InvokerDriver{
	"lambda":   awslambda.Driver,
	"loopback": loopback.InvokerDriver,
}

// StoreDrivers is a map of available metric stores.
var StoreDrivers = map[string]metricstore.Driver{
	"memory":     metricstore.MemoryDriver,
	"dynamodb":   dynamodb.Driver,
	"postgresql": postgresql.Driver,
}

func newInstanceSet(cluster *lbas.Config, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	driver, ok := Drivers[cluster.Cloud.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported cloud driver %q", cluster.Cloud.Driver)
	}
	return driver.InstanceSet(cluster.Cloud.DriverParameters, logger.WithField("CloudDriver", cluster.Cloud.Driver))
}

// newInvoker returns nil (and no error) if no serverless backend is
// configured.
func newInvoker(cluster *lbas.Config, logger logrus.FieldLogger) (cloud.Invoker, error) {
	if cluster.Serverless.Driver == "" {
		return nil, nil
	}
	driver, ok := InvokerDrivers[cluster.Serverless.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported serverless driver %q", cluster.Serverless.Driver)
	}
	return driver.Invoker(cluster.Serverless.DriverParameters, logger.WithField("ServerlessDriver", cluster.Serverless.Driver))
}

// newStore returns a memory store if no driver is configured.
func newStore(ctx context.Context, cluster *lbas.Config, logger logrus.FieldLogger) (metricstore.Store, error) {
	name := cluster.MetricsStore.Driver
	if name == "" {
		name = "memory"
	}
	driver, ok := StoreDrivers[name]
	if !ok {
		return nil, fmt.Errorf("unsupported metrics store driver %q", name)
	}
	return driver.Store(ctx, cluster.MetricsStore.DriverParameters, logger.WithField("StoreDriver", name))
}
