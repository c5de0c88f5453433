package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"

	"github.com/sunbk201/netprobe/internal/config"
	"github.com/sunbk201/netprobe/internal/dhcp"
	"github.com/sunbk201/netprobe/internal/pktmatch"
	"github.com/sunbk201/netprobe/internal/portscan"
	"github.com/sunbk201/netprobe/internal/rule"
	"github.com/sunbk201/netprobe/internal/ssdp"
	"github.com/sunbk201/netprobe/internal/statistics"
)

type (
	WatchSource  interface{ Stats() []rule.WatchStat }
	StatsSource  interface{ Snapshot() []statistics.IfaceRecord }
	DHCPSource   interface{ Devices() []dhcp.Fingerprint }
	SSDPSource   interface{ Devices() []ssdp.Device }
	ScanFunc     func(ctx context.Context, target netip.Addr, ports []uint16) (*portscan.Result, error)
	TableSummary interface{ Len() int }
)

// Sources are the components the API reports on. A nil source disables
// its endpoints.
type Sources struct {
	Table   TableSummary
	Watches WatchSource
	Stats   StatsSource
	DHCP    DHCPSource
	SSDP    SSDPSource
	Scan    ScanFunc
}

type scanRequest struct {
	Target string `json:"target"`
	Ports  string `json:"ports,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func disabled(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "disabled")
}

func (s *APIServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": s.version,
	})
}

func (s *APIServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := *s.cfg
	if cfg.API.Secret != "" {
		cfg.API.Secret = "******"
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *APIServer) handleRules(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"capacity": pktmatch.TableSize,
	}
	if s.sources.Table != nil {
		resp["registered"] = s.sources.Table.Len()
	}
	watches := []rule.WatchStat{}
	if s.sources.Watches != nil {
		watches = s.sources.Watches.Stats()
	}
	resp["watches"] = watches
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.sources.Stats == nil {
		disabled(w)
		return
	}
	writeJSON(w, http.StatusOK, s.sources.Stats.Snapshot())
}

func (s *APIServer) handleDHCPDevices(w http.ResponseWriter, r *http.Request) {
	if s.sources.DHCP == nil {
		disabled(w)
		return
	}
	writeJSON(w, http.StatusOK, s.sources.DHCP.Devices())
}

func (s *APIServer) handleSSDPDevices(w http.ResponseWriter, r *http.Request) {
	if s.sources.SSDP == nil {
		disabled(w)
		return
	}
	writeJSON(w, http.StatusOK, s.sources.SSDP.Devices())
}

func (s *APIServer) handleScan(w http.ResponseWriter, r *http.Request) {
	if s.sources.Scan == nil {
		disabled(w)
		return
	}
	var req scanRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	target, err := netip.ParseAddr(req.Target)
	if err != nil || !target.Is4() {
		writeError(w, http.StatusBadRequest, "target must be an IPv4 address")
		return
	}
	portList := req.Ports
	if portList == "" {
		portList = s.cfg.Scan.Ports
	}
	ports, err := config.ParsePorts(portList)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.sources.Scan(r.Context(), target, ports)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}
