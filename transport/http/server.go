// Package http is the thin REST/WebSocket adapter the core is allowed to
// touch: it depends on system, never the reverse, and holds no kernel state
// of its own beyond a *system.MessageSystem reference.
package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/buger/jsonparser"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/thrasher-corp/msgkernel/access"
	"github.com/thrasher-corp/msgkernel/message"
	"github.com/thrasher-corp/msgkernel/system"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server exposes a MessageSystem over POST /v1/send and GET /v1/stream/{channel}.
type Server struct {
	sys    *system.MessageSystem
	router *mux.Router
}

// New builds a Server wrapping sys and registers its routes.
func New(sys *system.MessageSystem) *Server {
	s := &Server{sys: sys, router: mux.NewRouter()}
	s.router.HandleFunc("/v1/send", s.handleSend).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/stream/{channel}", s.handleStream).Methods(http.MethodGet)
	return s
}

// ServeHTTP implements http.Handler so a Server can be passed straight to
// http.Server or httptest.NewServer.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// sendRequest is the parsed shape of a POST /v1/send body: path and caller
// are read as plain strings, body is the one field that still gets a real
// json.Unmarshal since it's opaque to the adapter.
type sendRequest struct {
	path             string
	caller           string
	responseRequired bool
	replyTo          string
	ttlMs            int64
	body             interface{}
}

func parseSendRequest(raw []byte) (sendRequest, error) {
	var req sendRequest

	path, err := jsonparser.GetString(raw, "path")
	if err != nil {
		return req, errors.Wrap(err, `missing "path"`)
	}
	req.path = path

	if caller, err := jsonparser.GetString(raw, "caller"); err == nil {
		req.caller = caller
	}
	if replyTo, err := jsonparser.GetString(raw, "replyTo"); err == nil && replyTo != "" {
		req.replyTo = replyTo
		req.responseRequired = true
	}
	if ttlMs, err := jsonparser.GetInt(raw, "ttlMs"); err == nil {
		req.ttlMs = ttlMs
	}

	bodyRaw, valueType, _, err := jsonparser.Get(raw, "body")
	if err == nil && valueType != jsonparser.NotExist {
		var body interface{}
		if err := json.Unmarshal(bodyRaw, &body); err != nil {
			return req, errors.Wrap(err, `decode "body"`)
		}
		req.body = body
	}
	return req, nil
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req, err := parseSendRequest(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var opts []message.Option
	if req.responseRequired {
		opts = append(opts, message.WithResponseRequired(req.replyTo))
	}
	if req.ttlMs > 0 {
		opts = append(opts, message.WithTTL(time.Duration(req.ttlMs)*time.Millisecond))
	}

	msg, err := s.sys.Factory().Create(req.path, message.KindSimple, req.body, opts...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	caller, err := s.resolveCaller(req.caller)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.sys.Send(caller, msg); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": msg.ID()})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	route := mux.Vars(r)["channel"]

	caller, err := s.resolveCaller(r.URL.Query().Get("caller"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pipe, err := s.sys.Channels.Stream(route, caller)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	defer pipe.Release()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for data := range pipe.C {
		if err := conn.WriteJSON(data); err != nil {
			return
		}
	}
}

// resolveCaller looks name up in the system's subsystem registry, falling
// back to the system's ungranted anonymous principal when name is empty —
// the adapter has no credential store of its own, so an unauthenticated
// request is still subject to every registered subsystem's normal RWS
// access check rather than bypassing it.
func (s *Server) resolveCaller(name string) (access.PKR, error) {
	if name == "" {
		return s.sys.Anonymous, nil
	}
	identity, ok := s.sys.Registry.Identity(name)
	if !ok {
		return access.PKR{}, fmt.Errorf("unknown caller %q", name)
	}
	return identity, nil
}
