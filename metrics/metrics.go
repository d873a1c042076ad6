// Package metrics declares the adapter's Prometheus collectors. Everything
// registers on the default registry and is served by the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveAssociations tracks DIMSE associations currently established.
	ActiveAssociations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dicom_adapter_active_associations",
		Help: "Number of DIMSE associations currently established.",
	})

	// AssociationsTotal counts every association that reached Established.
	AssociationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicom_adapter_associations_total",
		Help: "Total DIMSE associations established.",
	})

	// AssociationsRejectedTotal counts rejections by reason.
	AssociationsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicom_adapter_associations_rejected_total",
		Help: "Total DIMSE associations rejected, by reason.",
	}, []string{"reason"})

	// InstancesReceivedTotal counts C-STORE requests answered with Success.
	InstancesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicom_adapter_instances_received_total",
		Help: "Total DICOM instances stored via C-STORE.",
	})

	// InstancesSkippedTotal counts duplicates dropped because the local AE
	// has overwriteSameInstance disabled.
	InstancesSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicom_adapter_instances_skipped_total",
		Help: "Total duplicate instances skipped without overwriting.",
	})

	// JobsSubmittedTotal counts jobs started on the platform.
	JobsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dicom_adapter_jobs_submitted_total",
		Help: "Total inference jobs started on the platform.",
	})

	// ExportReportsTotal counts terminal export reports by outcome.
	ExportReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dicom_adapter_export_reports_total",
		Help: "Total export task reports, by outcome.",
	}, []string{"outcome"})
)
