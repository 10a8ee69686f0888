package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for the job pipeline and HTTP layer.
// This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	jobsEnqueued     = make(map[string]int64)
	jobsCompleted    = make(map[string]int64)
	jobsFailed       = make(map[string]int64)
	jobsRetried      = make(map[string]int64)
	jobsDuplicates   = make(map[string]int64)
	queueDepth       = make(map[string]int64)
	poolSize         = make(map[string]int64)
	scalingEvents    = make(map[scaleKey]int64)
	retentionDeleted = make(map[string]int64)
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

type scaleKey struct {
	Lane      string
	Direction string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordEnqueued counts a job handed to the broker for a lane.
func RecordEnqueued(lane string) {
	mu.Lock()
	defer mu.Unlock()
	jobsEnqueued[lane]++
}

// RecordCompleted counts a terminal completed transition.
func RecordCompleted(lane string) {
	mu.Lock()
	defer mu.Unlock()
	jobsCompleted[lane]++
}

// RecordFailed counts a terminal failed transition.
func RecordFailed(lane string) {
	mu.Lock()
	defer mu.Unlock()
	jobsFailed[lane]++
}

// RecordRetried counts a retry release back to the broker.
func RecordRetried(lane string) {
	mu.Lock()
	defer mu.Unlock()
	jobsRetried[lane]++
}

// RecordDuplicateDelivery counts deliveries discarded by the
// idempotency guard.
func RecordDuplicateDelivery(lane string) {
	mu.Lock()
	defer mu.Unlock()
	jobsDuplicates[lane]++
}

// SetQueueDepth records the sampled queue depth for a lane.
func SetQueueDepth(lane string, depth int64) {
	mu.Lock()
	defer mu.Unlock()
	queueDepth[lane] = depth
}

// SetPoolSize records the current worker count for a lane.
func SetPoolSize(lane string, size int) {
	mu.Lock()
	defer mu.Unlock()
	poolSize[lane] = int64(size)
}

// RecordScaling counts an autoscaler action; direction is "up" or "down".
func RecordScaling(lane, direction string) {
	mu.Lock()
	defer mu.Unlock()
	scalingEvents[scaleKey{Lane: lane, Direction: direction}]++
}

// RecordRetentionJobs increments the counter of jobs deleted by TTL
// for a given lane.
func RecordRetentionJobs(lane string, deleted int64) {
	if deleted <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionDeleted[lane] += deleted
}

func writeLaneCounter(b *strings.Builder, name, help string, values map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)

	var lanes []string
	for l := range values {
		lanes = append(lanes, l)
	}
	sort.Strings(lanes)
	for _, l := range lanes {
		fmt.Fprintf(b, "%s{lane=\"%s\"} %d\n", name, l, values[l])
	}
}

func writeLaneGauge(b *strings.Builder, name, help string, values map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s gauge\n", name)

	var lanes []string
	for l := range values {
		lanes = append(lanes, l)
	}
	sort.Strings(lanes)
	for _, l := range lanes {
		fmt.Fprintf(b, "%s{lane=\"%s\"} %d\n", name, l, values[l])
	}
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP mp4totext_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE mp4totext_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})

	for _, k := range reqKeys {
		v := requestsTotal[k]
		fmt.Fprintf(&b, "mp4totext_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, v)
	}

	b.WriteString("# HELP mp4totext_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE mp4totext_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP mp4totext_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE mp4totext_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})

	for _, k := range latKeys {
		fmt.Fprintf(&b, "mp4totext_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsSum[k])
		fmt.Fprintf(&b, "mp4totext_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsCount[k])
	}

	writeLaneCounter(&b, "mp4totext_jobs_enqueued_total", "Total jobs enqueued per lane", jobsEnqueued)
	writeLaneCounter(&b, "mp4totext_jobs_completed_total", "Total jobs completed per lane", jobsCompleted)
	writeLaneCounter(&b, "mp4totext_jobs_failed_total", "Total jobs permanently failed per lane", jobsFailed)
	writeLaneCounter(&b, "mp4totext_jobs_retried_total", "Total retry releases per lane", jobsRetried)
	writeLaneCounter(&b, "mp4totext_jobs_duplicate_deliveries_total", "Deliveries discarded by the idempotency guard", jobsDuplicates)
	writeLaneGauge(&b, "mp4totext_queue_depth", "Sampled broker queue depth per lane", queueDepth)
	writeLaneGauge(&b, "mp4totext_pool_size", "Current worker count per lane", poolSize)

	b.WriteString("# HELP mp4totext_pool_scaling_events_total Autoscaler actions per lane and direction\n")
	b.WriteString("# TYPE mp4totext_pool_scaling_events_total counter\n")

	var scaleKeys []scaleKey
	for k := range scalingEvents {
		scaleKeys = append(scaleKeys, k)
	}
	sort.Slice(scaleKeys, func(i, j int) bool {
		if scaleKeys[i].Lane != scaleKeys[j].Lane {
			return scaleKeys[i].Lane < scaleKeys[j].Lane
		}
		return scaleKeys[i].Direction < scaleKeys[j].Direction
	})
	for _, k := range scaleKeys {
		fmt.Fprintf(&b, "mp4totext_pool_scaling_events_total{lane=\"%s\",direction=\"%s\"} %d\n",
			k.Lane, k.Direction, scalingEvents[k])
	}

	writeLaneCounter(&b, "mp4totext_retention_jobs_deleted_total", "Total jobs deleted by TTL per lane", retentionDeleted)

	return b.String()
}
