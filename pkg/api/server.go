package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/conure-db/conure-bptree/btree"
	"github.com/conure-db/conure-bptree/db"
	"github.com/conure-db/conure-bptree/pkg/raftnode"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const applyTimeout = 5 * time.Second

// Replicator is the part of a raft node the API drives.
type Replicator interface {
	IsLeader() bool
	Leader() raft.ServerAddress
	Apply(cmd raftnode.Command, timeout time.Duration) (raftnode.ApplyResult, error)
	Barrier(timeout time.Duration) error
	AddVoter(id, addr string) error
	Servers() ([]raft.Server, error)
}

type Server struct {
	node           Replicator
	db             *db.DB
	logger         hclog.Logger
	barrierTimeout time.Duration
}

func New(node Replicator, db *db.DB, logger hclog.Logger, barrierTimeout time.Duration) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if barrierTimeout <= 0 {
		barrierTimeout = 3 * time.Second
	}
	return &Server{node: node, db: db, logger: logger.Named("api"), barrierTimeout: barrierTimeout}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/trees", s.handleTrees)
	mux.HandleFunc("/kv", s.handleKV)
	mux.HandleFunc("/range", s.handleRange)
	mux.HandleFunc("/scan", s.handleScan)
	mux.HandleFunc("/bfs", s.handleBFS)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/reset", s.handleReset)
	mux.HandleFunc("/persist", s.handlePersist)
	mux.HandleFunc("/load", s.handleLoad)
	mux.HandleFunc("/join", s.handleJoin)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/raft/config", s.handleRaftConfig)
	mux.Handle("/metrics", promhttp.Handler())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, db.ErrTreeNotFound), errors.Is(err, btree.ErrNodeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, db.ErrTreeExists), errors.Is(err, btree.ErrInvalidFanout), errors.Is(err, btree.ErrInvalidTreeName):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, db.ErrClosed), errors.Is(err, raft.ErrNotLeader), errors.Is(err, raftnode.ErrNotLeader):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// redirectToLeader answers 409 with the leader address so clients can retry there.
func (s *Server) redirectToLeader(w http.ResponseWriter) {
	writeJSON(w, http.StatusConflict, map[string]string{"leader": string(s.node.Leader())})
}

// apply replicates cmd from the leader and writes the outcome. It returns
// false when a response describing a failure has already been written.
func (s *Server) apply(w http.ResponseWriter, cmd raftnode.Command) (raftnode.ApplyResult, bool) {
	if !s.node.IsLeader() {
		s.redirectToLeader(w)
		return raftnode.ApplyResult{}, false
	}
	res, err := s.node.Apply(cmd, applyTimeout)
	if err != nil {
		s.logger.Error("apply failed", "op", cmd.Type.String(), "tree", cmd.Tree, "error", err)
		writeError(w, err)
		return res, false
	}
	return res, true
}

// readable reports whether this node may serve a read, issuing a barrier
// on the leader for a linearizable result. Followers serve reads only when
// the caller asks for stale data.
func (s *Server) readable(w http.ResponseWriter, r *http.Request) bool {
	if s.node.IsLeader() {
		if err := s.node.Barrier(s.barrierTimeout); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return false
		}
		return true
	}
	stale := r.URL.Query().Get("stale")
	if strings.EqualFold(stale, "true") || stale == "1" {
		return true
	}
	s.redirectToLeader(w)
	return false
}

func treeParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := r.URL.Query().Get("tree")
	if name == "" {
		badRequest(w, "missing tree")
		return "", false
	}
	return name, true
}

func int64Param(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		badRequest(w, "missing "+key)
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		badRequest(w, "invalid "+key+": "+err.Error())
		return 0, false
	}
	return v, true
}

type treeInfo struct {
	Name   string      `json:"name"`
	Fanout int         `json:"fanout"`
	Stats  btree.Stats `json:"stats"`
}

func (s *Server) handleTrees(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		infos := []treeInfo{}
		for _, name := range s.db.Names() {
			tree, err := s.db.Tree(name)
			if err != nil {
				continue
			}
			infos = append(infos, treeInfo{Name: name, Fanout: tree.Fanout(), Stats: tree.Stats()})
		}
		writeJSON(w, http.StatusOK, infos)

	case http.MethodPost:
		name, ok := treeParam(w, r)
		if !ok {
			return
		}
		fanout := 0
		if raw := r.URL.Query().Get("fanout"); raw != "" {
			f, err := strconv.Atoi(raw)
			if err != nil {
				badRequest(w, "invalid fanout: "+err.Error())
				return
			}
			fanout = f
		}
		if fanout <= 0 {
			fanout = s.db.DefaultFanout()
		}
		if _, ok := s.apply(w, raftnode.Command{Type: raftnode.CmdCreate, Tree: name, Fanout: fanout}); ok {
			writeJSON(w, http.StatusCreated, map[string]any{"tree": name, "fanout": fanout})
		}

	case http.MethodDelete:
		name, ok := treeParam(w, r)
		if !ok {
			return
		}
		if _, ok := s.apply(w, raftnode.Command{Type: raftnode.CmdDrop, Tree: name}); ok {
			writeJSON(w, http.StatusOK, map[string]string{"dropped": name})
		}

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleKV(w http.ResponseWriter, r *http.Request) {
	name, ok := treeParam(w, r)
	if !ok {
		return
	}
	key, ok := int64Param(w, r, "key")
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		if !s.readable(w, r) {
			return
		}
		value, found, err := s.db.Search(name, key)
		if err != nil {
			writeError(w, err)
			return
		}
		if !found {
			writeJSON(w, http.StatusNotFound, map[string]any{"key": key, "found": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": value, "found": true})

	case http.MethodPut:
		raw := r.URL.Query().Get("value")
		if raw == "" {
			body, err := io.ReadAll(io.LimitReader(r.Body, 64))
			if err != nil {
				badRequest(w, err.Error())
				return
			}
			raw = strings.TrimSpace(string(body))
		}
		value, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			badRequest(w, "invalid value: "+err.Error())
			return
		}
		if _, ok := s.apply(w, raftnode.Command{Type: raftnode.CmdInsert, Tree: name, Key: key, Value: value}); ok {
			writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
		}

	case http.MethodDelete:
		if res, ok := s.apply(w, raftnode.Command{Type: raftnode.CmdDelete, Tree: name, Key: key}); ok {
			writeJSON(w, http.StatusOK, map[string]any{"key": key, "found": res.Found})
		}

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type entryJSON struct {
	Key   int64  `json:"key"`
	Value uint64 `json:"value"`
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	name, ok := treeParam(w, r)
	if !ok {
		return
	}
	lo, ok := int64Param(w, r, "lo")
	if !ok {
		return
	}
	hi, ok := int64Param(w, r, "hi")
	if !ok {
		return
	}
	if !s.readable(w, r) {
		return
	}
	entries, err := s.db.Range(name, lo, hi)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]entryJSON, len(entries))
	for i, e := range entries {
		out[i] = entryJSON{Key: e.Key, Value: e.Value}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleKeys serves the read endpoints that return a plain key list.
func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request, read func(string) ([]int64, error)) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	name, ok := treeParam(w, r)
	if !ok {
		return
	}
	if !s.readable(w, r) {
		return
	}
	keys, err := read(name)
	if err != nil {
		writeError(w, err)
		return
	}
	if keys == nil {
		keys = []int64{}
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	s.handleKeys(w, r, s.db.FullScan)
}

func (s *Server) handleBFS(w http.ResponseWriter, r *http.Request) {
	s.handleKeys(w, r, s.db.BreadthFirst)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	name, ok := treeParam(w, r)
	if !ok || !s.readable(w, r) {
		return
	}
	stats, err := s.db.Stats(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	name, ok := treeParam(w, r)
	if !ok {
		return
	}
	if _, ok := s.apply(w, raftnode.Command{Type: raftnode.CmdReset, Tree: name}); ok {
		writeJSON(w, http.StatusOK, map[string]string{"reset": name})
	}
}

// handlePersist writes trees to this node's data directory. Without a
// tree parameter every tree is persisted.
func (s *Server) handlePersist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	name := r.URL.Query().Get("tree")
	var err error
	if name == "" {
		err = s.db.PersistAll()
	} else {
		err = s.db.Persist(name)
	}
	if err != nil {
		s.logger.Error("persist failed", "tree", name, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"persisted": name})
}

// handleLoad replaces a tree with the leader's on-disk copy. The copy is
// shipped through the log so every node swaps in the same tree.
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	name, ok := treeParam(w, r)
	if !ok {
		return
	}
	if !s.node.IsLeader() {
		s.redirectToLeader(w)
		return
	}
	data, err := s.db.ExportStored(name)
	if err != nil {
		s.logger.Error("load failed", "tree", name, "error", err)
		writeError(w, err)
		return
	}
	if _, ok := s.apply(w, raftnode.Command{Type: raftnode.CmdRestoreTree, Tree: name, Snapshot: data}); !ok {
		return
	}
	tree, err := s.db.Tree(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, treeInfo{Name: name, Fanout: tree.Fanout(), Stats: tree.Stats()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"is_leader": s.node.IsLeader(),
		"leader":    string(s.node.Leader()),
		"trees":     s.db.Names(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRaftConfig(w http.ResponseWriter, r *http.Request) {
	servers, err := s.node.Servers()
	if err != nil {
		writeError(w, err)
		return
	}
	type server struct {
		ID       string `json:"id"`
		Address  string `json:"address"`
		Suffrage string `json:"suffrage"`
	}
	out := make([]server, len(servers))
	for i, srv := range servers {
		out[i] = server{ID: string(srv.ID), Address: string(srv.Address), Suffrage: srv.Suffrage.String()}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	type req struct{ ID, RaftAddr string }
	var body req
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, err.Error())
		return
	}
	if !s.node.IsLeader() {
		s.redirectToLeader(w)
		return
	}
	if err := s.node.AddVoter(body.ID, body.RaftAddr); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("added voter", "id", body.ID, "addr", body.RaftAddr)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
