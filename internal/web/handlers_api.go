package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"meshlink/internal/admin"
	"meshlink/internal/mesh"
	"meshlink/internal/store"
	"meshlink/internal/wire"
)

// adminRequestView is the JSON shape of one in-flight admin request.
type adminRequestView struct {
	ID         uint32    `json:"id"`
	Node       uint32    `json:"node"`
	Kind       string    `json:"kind"`
	AdminIndex uint32    `json:"admin_index"`
	IssuedAt   time.Time `json:"issued_at"`
}

func newAdminRequestView(req admin.Request) adminRequestView {
	return adminRequestView{
		ID:         req.ID,
		Node:       req.ToNode,
		Kind:       req.Kind.String(),
		AdminIndex: req.AdminIndex,
		IssuedAt:   req.IssuedAt,
	}
}

func parseNodeNum(r *http.Request) (uint32, error) {
	num, err := strconv.ParseUint(r.PathValue("num"), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(num), nil
}

func (s *Server) handleAPIListNodes(w http.ResponseWriter, r *http.Request) {
	views, err := s.mesh.NodeViews()
	if err != nil {
		s.logger.Error("list nodes", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetNode(w http.ResponseWriter, r *http.Request) {
	num, err := parseNodeNum(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid node number"})
		return
	}

	view, err := s.mesh.NodeView(num)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "node not found"})
			return
		}
		s.logger.Error("get node", "err", err, "node", num)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAPIForgetNode(w http.ResponseWriter, r *http.Request) {
	num, err := parseNodeNum(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid node number"})
		return
	}

	if err := s.mesh.ForgetNode(num); err != nil {
		s.logger.Error("forget node", "err", err, "node", num)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPITrustNode(w http.ResponseWriter, r *http.Request) {
	num, err := parseNodeNum(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid node number"})
		return
	}

	if err := s.mesh.Authorize(num); err != nil {
		if errors.Is(err, mesh.ErrNoOfferedKey) {
			s.writeJSON(w, http.StatusConflict, map[string]string{"error": "no announced key to adopt"})
			return
		}
		s.logger.Error("authorize node", "err", err, "node", num)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type adminNodeRequest struct {
	Kind    string `json:"kind"`
	Confirm bool   `json:"confirm"`
}

func (s *Server) handleAPIAdminNode(w http.ResponseWriter, r *http.Request) {
	num, err := parseNodeNum(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid node number"})
		return
	}

	var req adminNodeRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	kind, ok := admin.ParseKind(req.Kind)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown admin kind"})
		return
	}
	// Shutdown and reboot take a node off the air. The client has to
	// state that intent explicitly on every such request.
	if kind.Destructive() && !req.Confirm {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": kind.String() + " requires confirm"})
		return
	}

	p, err := s.mesh.Admin(r.Context(), num, kind)
	if err != nil {
		switch {
		case errors.Is(err, mesh.ErrNoIdentity), errors.Is(err, mesh.ErrLinkDown):
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "radio link unavailable"})
		case errors.Is(err, admin.ErrDuplicateInFlight):
			s.writeJSON(w, http.StatusConflict, map[string]string{"error": "request already in flight"})
		case errors.Is(err, admin.ErrInvalidTarget):
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid admin target"})
		default:
			s.logger.Error("admin request", "err", err, "node", num, "kind", kind.String())
			s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		}
		return
	}
	// The outcome arrives later as an admin_update event; the response
	// only acknowledges that the request is on the air.
	s.writeJSON(w, http.StatusAccepted, newAdminRequestView(p.Request()))
}

func (s *Server) handleAPIListAdmin(w http.ResponseWriter, r *http.Request) {
	reqs := s.mesh.AdminRequests()
	views := make([]adminRequestView, 0, len(reqs))
	for _, req := range reqs {
		views = append(views, newAdminRequestView(req))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPICancelAdmin(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request id"})
		return
	}

	if !s.mesh.CancelAdmin(uint32(id)) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "request not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

type sendMessageRequest struct {
	To      uint32 `json:"to"`
	Channel uint32 `json:"channel"`
	Text    string `json:"text"`
}

func (s *Server) handleAPISendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if req.Text == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}
	if req.Channel > 7 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel must be between 0 and 7"})
		return
	}
	// A missing destination addresses the whole mesh.
	if req.To == 0 {
		req.To = wire.Broadcast
	}

	id, err := s.mesh.SendText(r.Context(), req.To, req.Channel, req.Text)
	if err != nil {
		if errors.Is(err, mesh.ErrLinkDown) {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "radio link unavailable"})
			return
		}
		s.logger.Error("send message", "err", err, "to", req.To)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"id": id})
}

func (s *Server) handleAPIDevice(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"connected":   s.mesh.Connected(),
		"synced":      s.mesh.Synced(),
		"my_node_num": s.mesh.MyNodeNum(),
		"preset":      s.mesh.Preset().String(),
	})
}

func (s *Server) handleAPIDeviceStatus(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.mesh.DeviceStatus()
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no status report yet"})
		return
	}
	s.writeJSON(w, http.StatusOK, mesh.StatusView(cs))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
