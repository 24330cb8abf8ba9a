// Package metrics exports the state of a residency.Device to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/residency/descriptor"
	"github.com/vkngwrapper/residency/residency"
)

const namespace = "residency"

var (
	blocksDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "allocator", "blocks"),
		"Number of native memory blocks held by the allocator",
		[]string{"dedicated"}, nil,
	)
	allocationsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "allocator", "allocations"),
		"Number of live allocations",
		nil, nil,
	)
	blockBytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "allocator", "block_bytes"),
		"Bytes of native memory held by the allocator",
		nil, nil,
	)
	allocationBytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "allocator", "allocation_bytes"),
		"Bytes handed out to live allocations",
		nil, nil,
	)
	descriptorsLiveDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "descriptors", "live"),
		"Number of allocated descriptor slots",
		[]string{"kind"}, nil,
	)
	descriptorsCapacityDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "descriptors", "capacity"),
		"Number of descriptor slots",
		[]string{"kind"}, nil,
	)
	submissionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "submissions_total"),
		"Number of frames submitted",
		nil, nil,
	)
	pendingResourcesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "pending_resources"),
		"Number of resources waiting for upload",
		nil, nil,
	)
	inFlightResourcesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "in_flight_resources"),
		"Number of references held for submissions the GPU may still be executing",
		nil, nil,
	)
	pendingBytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "pending_bytes"),
		"Bytes staged for the frame being recorded",
		nil, nil,
	)
	stagingBytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "staging_bytes"),
		"Size of the staging buffer shared by all frame slots",
		nil, nil,
	)
)

// Collector is a prometheus.Collector that reads a device's statistics on every scrape
type Collector struct {
	device *residency.Device
}

var _ prometheus.Collector = &Collector{}

func NewCollector(device *residency.Device) *Collector {
	return &Collector{device: device}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- blocksDesc
	ch <- allocationsDesc
	ch <- blockBytesDesc
	ch <- allocationBytesDesc
	ch <- descriptorsLiveDesc
	ch <- descriptorsCapacityDesc
	ch <- submissionsDesc
	ch <- pendingResourcesDesc
	ch <- inFlightResourcesDesc
	ch <- pendingBytesDesc
	ch <- stagingBytesDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.device.Allocator().Statistics()
	ch <- prometheus.MustNewConstMetric(blocksDesc, prometheus.GaugeValue,
		float64(stats.BlockCount-stats.DedicatedBlockCount), "false")
	ch <- prometheus.MustNewConstMetric(blocksDesc, prometheus.GaugeValue,
		float64(stats.DedicatedBlockCount), "true")
	ch <- prometheus.MustNewConstMetric(allocationsDesc, prometheus.GaugeValue, float64(stats.AllocationCount))
	ch <- prometheus.MustNewConstMetric(blockBytesDesc, prometheus.GaugeValue, float64(stats.BlockBytes))
	ch <- prometheus.MustNewConstMetric(allocationBytesDesc, prometheus.GaugeValue, float64(stats.AllocationBytes))

	space := c.device.Descriptors()
	for _, kind := range descriptor.Kinds() {
		ch <- prometheus.MustNewConstMetric(descriptorsLiveDesc, prometheus.GaugeValue, float64(space.Live(kind)), kind.String())
		ch <- prometheus.MustNewConstMetric(descriptorsCapacityDesc, prometheus.GaugeValue, float64(space.Capacity(kind)), kind.String())
	}

	residencyStats := c.device.Stats()
	ch <- prometheus.MustNewConstMetric(submissionsDesc, prometheus.CounterValue, float64(residencyStats.SubmitID))
	ch <- prometheus.MustNewConstMetric(pendingResourcesDesc, prometheus.GaugeValue, float64(residencyStats.PendingResources))
	ch <- prometheus.MustNewConstMetric(inFlightResourcesDesc, prometheus.GaugeValue, float64(residencyStats.InFlightResources))
	ch <- prometheus.MustNewConstMetric(pendingBytesDesc, prometheus.GaugeValue, float64(residencyStats.PendingBytes))
	ch <- prometheus.MustNewConstMetric(stagingBytesDesc, prometheus.GaugeValue, float64(residencyStats.StagingSize))
}
