package server

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/practable/logrelay/internal/registry"
	"github.com/practable/logrelay/internal/relay"
	"github.com/shirou/gopsutil/v4/process"
	log "github.com/sirupsen/logrus"
)

// StatsReport is the body of a /stats response
type StatsReport struct {
	Relay       relay.Status      `json:"relay"`
	Subscribers []registry.Report `json:"subscribers"`
}

// HealthReport is the body of a /healthcheck response
type HealthReport struct {
	Status  string        `json:"status"`
	Uptime  string        `json:"uptime"`
	Relay   relay.Status  `json:"relay"`
	Process ProcessReport `json:"process"`
}

// ProcessReport describes the resources used by this process
type ProcessReport struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpuPercent"`
	RSS        uint64  `json:"rss"`
	Threads    int32   `json:"threads"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	report := StatsReport{
		Relay:       s.relay.Status(),
		Subscribers: s.registry.Reports(),
	}
	writeJSON(w, report)
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	report := HealthReport{
		Status:  "ok",
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Relay:   s.relay.Status(),
		Process: processReport(),
	}
	writeJSON(w, report)
}

// processReport fills in what it can; a platform without support for
// some figure leaves it at zero
func processReport() ProcessReport {

	pid := int32(os.Getpid())
	report := ProcessReport{PID: pid}

	p, err := process.NewProcess(pid)
	if err != nil {
		log.WithField("error", err).Debug("cannot inspect own process")
		return report
	}

	if cpu, err := p.CPUPercent(); err == nil {
		report.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		report.RSS = mem.RSS
	}
	if threads, err := p.NumThreads(); err == nil {
		report.Threads = threads
	}

	return report
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("error encoding response %s", err.Error())
	}
}
