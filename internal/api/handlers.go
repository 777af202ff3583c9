package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"firestige.xyz/twister/internal/core"
	"firestige.xyz/twister/internal/policy"
)

// PacketLossStartRequest is the body of POST /packetloss/start.
type PacketLossStartRequest struct {
	NetworkInterfaceName string `json:"network_interface"`
	PacketLossRate       int32  `json:"packet_loss_rate"`
}

// BandwidthStartRequest is the body of POST /bandwidth/start.
type BandwidthStartRequest struct {
	NetworkInterfaceName string `json:"network_interface"`
	Limit                int64  `json:"limit"` // bits per second
}

func (s *Server) index(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, info("index", "twister REST API v1"))
}

func (s *Server) packetLossStart(w http.ResponseWriter, r *http.Request) {
	var body PacketLossStartRequest
	if !decode(w, r, &body) {
		return
	}
	if !s.checkInterface(w, s.policies.PacketLoss(), body.NetworkInterfaceName) {
		return
	}
	s.start(w, policy.ServicePacketLoss, s.policies.StartLoss(body.PacketLossRate))
}

func (s *Server) packetLossStop(w http.ResponseWriter, _ *http.Request) {
	s.stop(w, policy.ServicePacketLoss, s.policies.ClearLoss())
}

func (s *Server) packetLossStatus(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, s.policies.PacketLoss())
}

func (s *Server) bandwidthStart(w http.ResponseWriter, r *http.Request) {
	var body BandwidthStartRequest
	if !decode(w, r, &body) {
		return
	}
	if body.Limit < 0 {
		writeJSON(w, http.StatusBadRequest, failure(SlugServiceSetParamFailed, "Invalid parameter", "limit must not be negative"))
		return
	}
	if !s.checkInterface(w, s.policies.Bandwidth(), body.NetworkInterfaceName) {
		return
	}
	s.start(w, policy.ServiceBandwidth, s.policies.StartBandwidth(uint64(body.Limit)))
}

func (s *Server) bandwidthStop(w http.ResponseWriter, _ *http.Request) {
	s.stop(w, policy.ServiceBandwidth, s.policies.ClearBandwidth())
}

func (s *Server) bandwidthStatus(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, s.policies.Bandwidth())
}

func (s *Server) servicesStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.policies.Status())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, failure(SlugJSONDecodeFailed, "JSON decode failed", err.Error()))
		return false
	}
	return true
}

// checkInterface rejects requests naming an interface other than the one
// the pipeline is bound to. An empty name means the bound interface.
func (s *Server) checkInterface(w http.ResponseWriter, st policy.ServiceStatus, name string) bool {
	if name == "" || st.NetworkInterfaceName == "" || name == st.NetworkInterfaceName {
		return true
	}
	writeJSON(w, http.StatusBadRequest, failure(SlugServiceStartFailed, "Service start failed",
		"pipeline is bound to interface "+st.NetworkInterfaceName))
	return false
}

func (s *Server) start(w http.ResponseWriter, service string, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, info(SlugServiceReady, "Service started"))
	case errors.Is(err, core.ErrPolicyActive):
		writeJSON(w, http.StatusBadRequest, failure(SlugServiceAlreadyStarted, "Service already started",
			"To start the service again, it must be stopped first."))
	case errors.Is(err, core.ErrInvalidLossRate):
		writeJSON(w, http.StatusBadRequest, failure(SlugServiceSetParamFailed, "Invalid parameter", err.Error()))
	default:
		slog.Error("service start failed", "service", service, "error", err)
		writeJSON(w, http.StatusInternalServerError, failure(SlugServiceStartFailed, "Service start failed", err.Error()))
	}
}

func (s *Server) stop(w http.ResponseWriter, service string, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, info(SlugServiceNotReady, "Service stopped"))
	case errors.Is(err, core.ErrPolicyInactive):
		writeJSON(w, http.StatusBadRequest, failure(SlugServiceNotStarted, "Service not started",
			"To stop the service, it must be started first."))
	default:
		slog.Error("service stop failed", "service", service, "error", err)
		writeJSON(w, http.StatusInternalServerError, failure(SlugServiceStopFailed, "Service stop failed", err.Error()))
	}
}

func writeStatus(w http.ResponseWriter, st policy.ServiceStatus) {
	slug := SlugServiceNotReady
	if st.Ready {
		slug = SlugServiceReady
	}
	writeJSON(w, http.StatusOK, info(slug, "Service status"))
}
