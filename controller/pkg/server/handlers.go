package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/malbeclabs/mtd/controller/pkg/hosts"
	"github.com/malbeclabs/mtd/controller/pkg/mutation"
	"github.com/malbeclabs/mtd/controller/pkg/topology"
)

type TopologyResponse struct {
	Generation   uint64              `json:"generation"`
	BuiltAt      *time.Time          `json:"built_at,omitempty"`
	MonitoredSrc topology.SwitchID   `json:"monitored_src"`
	MonitoredDst topology.SwitchID   `json:"monitored_dst"`
	Switches     []topology.SwitchID `json:"switches"`
	Links        []topology.Link     `json:"links"`
	Candidates   []topology.Path     `json:"candidates"`
	Devices      []topology.SwitchID `json:"connected_devices"`
}

type HostEntry struct {
	MAC string `json:"mac"`
	hosts.Location
}

type MutationResponse struct {
	Interval string           `json:"interval"`
	Last     *mutation.Result `json:"last,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) getReady(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.cfg.Ready != nil && !s.cfg.Ready() {
		http.Error(w, "waiting for topology", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Build)
}

func (s *Server) getTopology(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Topology.Snapshot()
	src, dst := s.cfg.Topology.MonitoredPair()

	resp := TopologyResponse{
		Generation:   snap.Generation,
		MonitoredSrc: src,
		MonitoredDst: dst,
		Switches:     []topology.SwitchID{},
		Links:        []topology.Link{},
		Candidates:   []topology.Path{},
		Devices:      s.cfg.Devices.IDs(),
	}
	if !snap.BuiltAt.IsZero() {
		builtAt := snap.BuiltAt
		resp.BuiltAt = &builtAt
	}
	if snap.Graph != nil {
		if switches := snap.Graph.Switches(); len(switches) > 0 {
			resp.Switches = switches
		}
		if links := snap.Graph.Links(); len(links) > 0 {
			resp.Links = links
		}
	}
	if len(snap.Candidates) > 0 {
		resp.Candidates = snap.Candidates
	}
	if resp.Devices == nil {
		resp.Devices = []topology.SwitchID{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getHosts(w http.ResponseWriter, r *http.Request) {
	all := s.cfg.Hosts.All()
	entries := make([]HostEntry, 0, len(all))
	for mac, loc := range all {
		entries = append(entries, HostEntry{MAC: mac, Location: loc})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].MAC < entries[j].MAC
	})
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) getMutation(w http.ResponseWriter, r *http.Request) {
	resp := MutationResponse{Interval: s.cfg.Mutation.Interval().String()}
	if last, ok := s.cfg.Mutation.Last(); ok {
		resp.Last = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

// postMutation runs a mutation cycle immediately, outside the scheduler's cadence.
func (s *Server) postMutation(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Mutation.Mutate(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, mutation.ErrHostsUnknown),
		errors.Is(err, mutation.ErrNoCandidates),
		errors.Is(err, mutation.ErrEndpointMismatch):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
	default:
		s.log.Error("server: mutation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}
