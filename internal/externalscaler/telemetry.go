// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package externalscaler

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/cardinalhq/leaserunner/externalscaler"

var assertions metric.Int64Counter

func init() {
	meter := otel.Meter(meterName)

	var err error
	assertions, err = meter.Int64Counter(
		"leaserunner.scaler.assertions",
		metric.WithDescription("Number of desired capacity assertions sent to the executor"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create scaler.assertions counter: %w", err))
	}
}

func recordAssertion(ctx context.Context, executor, direction string, err error) {
	assertions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("executor", executor),
		attribute.String("direction", direction),
		attribute.Bool("error", err != nil),
	))
}

// MetricsExporter publishes the controller state as observable gauges.
type MetricsExporter struct {
	ctrl         *Controller
	occupancy    metric.Int64ObservableGauge
	desired      metric.Int64ObservableGauge
	asserted     metric.Int64ObservableGauge
	registration metric.Registration
}

func NewMetricsExporter(ctrl *Controller) (*MetricsExporter, error) {
	if ctrl == nil {
		return nil, fmt.Errorf("controller cannot be nil")
	}
	meter := otel.Meter(meterName)
	e := &MetricsExporter{ctrl: ctrl}

	var err error
	e.occupancy, err = meter.Int64ObservableGauge(
		"leaserunner.scaler.occupancy",
		metric.WithDescription("Jobs on the broker by lease state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create occupancy gauge: %w", err)
	}

	e.desired, err = meter.Int64ObservableGauge(
		"leaserunner.scaler.desired_capacity",
		metric.WithDescription("Pool size the current occupancy calls for"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create desired capacity gauge: %w", err)
	}

	e.asserted, err = meter.Int64ObservableGauge(
		"leaserunner.scaler.asserted_capacity",
		metric.WithDescription("Pool size last asserted to the executor"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create asserted capacity gauge: %w", err)
	}

	e.registration, err = meter.RegisterCallback(e.observe, e.occupancy, e.desired, e.asserted)
	if err != nil {
		return nil, fmt.Errorf("failed to register scaler callback: %w", err)
	}
	return e, nil
}

func (e *MetricsExporter) observe(_ context.Context, o metric.Observer) error {
	st := e.ctrl.State()
	o.ObserveInt64(e.occupancy, int64(st.Occupancy.Claimed), metric.WithAttributes(attribute.String("state", "claimed")))
	o.ObserveInt64(e.occupancy, int64(st.Occupancy.Unclaimed), metric.WithAttributes(attribute.String("state", "unclaimed")))
	o.ObserveInt64(e.desired, int64(st.Desired))
	if st.Asserted >= 0 {
		o.ObserveInt64(e.asserted, int64(st.Asserted))
	}
	return nil
}

// Close unregisters the gauges.
func (e *MetricsExporter) Close() error {
	return e.registration.Unregister()
}
