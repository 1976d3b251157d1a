package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/valter-silva-au/obscore/pkg/models"
)

// HTTPCheck probes url with GET and reports healthy when the response status
// equals expectStatus (200 when zero). Any other status is critical.
func HTTPCheck(url string, expectStatus int) CheckFunc {
	if expectStatus == 0 {
		expectStatus = http.StatusOK
	}
	client := &http.Client{}
	return func(ctx context.Context) (CheckOutcome, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return CheckOutcome{}, fmt.Errorf("building request: %w", err)
		}
		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return CheckOutcome{}, err
		}
		defer resp.Body.Close()
		latency := float64(time.Since(start).Microseconds()) / 1000

		out := CheckOutcome{
			Status:  models.HealthHealthy,
			Message: fmt.Sprintf("%s returned %d", url, resp.StatusCode),
			Details: map[string]any{"url": url, "status_code": resp.StatusCode},
			Metrics: map[string]float64{"http_check_latency_ms": latency},
		}
		if resp.StatusCode != expectStatus {
			out.Status = models.HealthCritical
			out.Message = fmt.Sprintf("%s returned %d, expected %d", url, resp.StatusCode, expectStatus)
		}
		return out, nil
	}
}

// TCPCheck reports healthy when a TCP connection to addr can be opened.
func TCPCheck(addr string) CheckFunc {
	return func(ctx context.Context) (CheckOutcome, error) {
		var d net.Dialer
		start := time.Now()
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return CheckOutcome{}, err
		}
		_ = conn.Close()
		return CheckOutcome{
			Status:  models.HealthHealthy,
			Message: "connected to " + addr,
			Details: map[string]any{"addr": addr},
			Metrics: map[string]float64{"tcp_connect_ms": float64(time.Since(start).Microseconds()) / 1000},
		}, nil
	}
}

// MemoryCheck compares the process heap against warning and critical limits
// in megabytes. A zero limit disables that level.
func MemoryCheck(warnMB, critMB float64) CheckFunc {
	return func(context.Context) (CheckOutcome, error) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		heapMB := float64(ms.HeapAlloc) / (1 << 20)

		out := CheckOutcome{
			Status:  models.HealthHealthy,
			Message: fmt.Sprintf("heap %.1f MB", heapMB),
			Details: map[string]any{"goroutines": runtime.NumGoroutine()},
			Metrics: map[string]float64{
				"memory_heap_mb": heapMB,
				"memory_sys_mb":  float64(ms.Sys) / (1 << 20),
			},
		}
		switch {
		case critMB > 0 && heapMB >= critMB:
			out.Status = models.HealthCritical
			out.Message = fmt.Sprintf("heap %.1f MB exceeds critical limit %.0f MB", heapMB, critMB)
		case warnMB > 0 && heapMB >= warnMB:
			out.Status = models.HealthWarning
			out.Message = fmt.Sprintf("heap %.1f MB exceeds warning limit %.0f MB", heapMB, warnMB)
		}
		return out, nil
	}
}
