package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dohr-michael/agentica-server/internal/agenterrors"
	"github.com/dohr-michael/agentica-server/internal/ids"
	"github.com/dohr-michael/agentica-server/internal/registry"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessionRegister(w http.ResponseWriter, r *http.Request) {
	cid := ids.CID(r.Header.Get(ClientSessionHeader))
	if cid == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing " + ClientSessionHeader})
		return
	}
	s.reg.RegisterSession(cid)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createAgentBody mirrors spec.md §6's CreateAgentRequest wire shape. Kept
// separate from registry.CreateAgentRequest so the registry package never
// depends on JSON tags or HTTP decoding concerns.
type createAgentBody struct {
	Doc                    string `json:"doc,omitempty"`
	System                 string `json:"system,omitempty"`
	Model                  string `json:"model"`
	JSON                   bool   `json:"json"`
	Streaming              bool   `json:"streaming"`
	WarpGlobalsPayload     []byte `json:"warp_globals_payload,omitempty"`
	MaxTokensPerInvocation *int   `json:"max_tokens_per_invocation,omitempty"`
	MaxTokensPerRound      *int   `json:"max_tokens_per_round,omitempty"`
	MaxRounds              int    `json:"max_rounds,omitempty"`
	Protocol               string `json:"protocol,omitempty"`
}

func (s *Server) handleAgentCreate(w http.ResponseWriter, r *http.Request) {
	cid := ids.CID(r.Header.Get(ClientSessionHeader))
	if cid == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing " + ClientSessionHeader})
		return
	}

	var body createAgentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	sdk, version := ParseProtocolVersion(body.Protocol)
	switch s.versionPolicy.Check(sdk, version) {
	case VersionUnsupported:
		w.WriteHeader(http.StatusUpgradeRequired)
		_, _ = w.Write([]byte(s.versionPolicy.FormatUnsupportedMessage(sdk, version)))
		return
	case VersionDeprecated:
		w.Header().Set("X-SDK-Warning", "deprecated")
		w.Header().Set("X-SDK-Upgrade-Message", s.versionPolicy.FormatUpgradeMessage(sdk, version))
	}

	req := registry.CreateAgentRequest{
		Doc:                    body.Doc,
		System:                 body.System,
		Model:                  body.Model,
		JSON:                   body.JSON,
		Streaming:              body.Streaming,
		WarpGlobalsPayload:     body.WarpGlobalsPayload,
		MaxTokensPerInvocation: body.MaxTokensPerInvocation,
		MaxTokensPerRound:      body.MaxTokensPerRound,
		MaxRounds:              body.MaxRounds,
		Protocol:               body.Protocol,
	}

	uid, err := s.reg.CreateAgent(r.Context(), cid, req)
	if err != nil {
		writeErrorStatus(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"uid": string(uid)})
}

func (s *Server) handleAgentDestroy(w http.ResponseWriter, r *http.Request) {
	uid := ids.UID(chi.URLParam(r, "uid"))
	if _, ok := s.reg.Lookup(uid); !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err := s.reg.DestroyAgent(r.Context(), uid); err != nil {
		writeErrorStatus(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	cid := ids.CID(r.Header.Get(ClientSessionHeader))
	if cid == "" || !s.reg.SessionRegistered(cid) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session not registered"})
		return
	}
	s.socket.ServeSocket(w, r, cid)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.bus.History(limit))
}

// handleEcho streams events as newline-delimited JSON until the client
// disconnects (spec.md §6: "GET /echo/... → NDJSON stream").
func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	ch, unsub := s.bus.SubscribeChan(64)
	defer unsub()

	enc := json.NewEncoder(w)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(e); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeErrorStatus maps a taxonomy error to its HTTP status, per spec.md
// §6's "400 on validation; 426 on unsupported SDK; 500 on internal".
func writeErrorStatus(w http.ResponseWriter, err error) {
	name := "InternalServer"
	status := http.StatusInternalServerError
	if n, ok := agenterrors.AsNamed(err); ok {
		name = n.Name()
		switch name {
		case "BadModel", "ValidationError":
			status = http.StatusBadRequest
		case "UnsupportedVersionError":
			status = http.StatusUpgradeRequired
		}
	}
	writeJSON(w, status, map[string]string{"error": name, "message": err.Error()})
}
