package shell

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/conure-db/conure-bptree/db"
	"github.com/conure-db/conure-bptree/pkg/api"
	"github.com/conure-db/conure-bptree/pkg/raftnode"
	"github.com/hashicorp/raft"
)

func openDB(t *testing.T, dir string) *db.DB {
	t.Helper()
	database, err := db.Open(db.Options{DataDir: dir})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

// run feeds lines to a shell and returns what the last line printed.
func run(t *testing.T, s *Shell, out *bytes.Buffer, lines ...string) string {
	t.Helper()
	for _, line := range lines {
		out.Reset()
		if s.Exec(line) {
			t.Fatalf("unexpected quit on %q", line)
		}
	}
	return strings.TrimSpace(out.String())
}

func exercise(t *testing.T, backend Backend) {
	var out bytes.Buffer
	s := New(backend, &out)

	if got := run(t, s, &out, "insert 1 1"); !strings.Contains(got, "no tree selected") {
		t.Fatalf("expected no-tree error, got %q", got)
	}
	if got := run(t, s, &out, "create 3 t"); got != "created tree t with fanout 3" {
		t.Fatalf("unexpected create output %q", got)
	}
	for _, k := range []string{"1", "2", "3", "4", "5", "6", "7"} {
		run(t, s, &out, "insert "+k+" "+k+"0")
	}

	if got := run(t, s, &out, "bfs"); got != "3 5 2 4 6 1 2 3 4 5 6 7" {
		t.Fatalf("unexpected bfs %q", got)
	}
	if got := run(t, s, &out, "outputall"); got != "1 2 3 4 5 6 7" {
		t.Fatalf("unexpected outputall %q", got)
	}
	if got := run(t, s, &out, "search 4"); got != "4: 40" {
		t.Fatalf("unexpected search %q", got)
	}
	if got := run(t, s, &out, "search 40"); got != "key 40 not found" {
		t.Fatalf("unexpected search miss %q", got)
	}
	if got := run(t, s, &out, "rangesearch 5 3"); got != "3: 30\n4: 40" {
		t.Fatalf("unexpected range %q", got)
	}
	if got := run(t, s, &out, "delete 7", "outputall"); got != "1 2 3 4 5 6" {
		t.Fatalf("unexpected keys after delete %q", got)
	}
	if got := run(t, s, &out, "delete 7"); got != "key 7 not found" {
		t.Fatalf("unexpected second delete %q", got)
	}

	if got := run(t, s, &out, "serialize"); got != "serialized t" {
		t.Fatalf("unexpected serialize %q", got)
	}
	if got := run(t, s, &out, "reset", "outputall"); got != "" {
		t.Fatalf("expected empty tree after reset, got %q", got)
	}
	if got := run(t, s, &out, "deserialize t", "outputall"); got != "1 2 3 4 5 6" {
		t.Fatalf("unexpected keys after deserialize %q", got)
	}

	run(t, s, &out, "create 4 other")
	if got := run(t, s, &out, "list"); got != "* other\n  t" {
		t.Fatalf("unexpected list %q", got)
	}
	if got := run(t, s, &out, "use t", "outputall"); got != "1 2 3 4 5 6" {
		t.Fatalf("use did not switch trees: %q", got)
	}
	if got := run(t, s, &out, "clear", "outputall"); got != "" {
		t.Fatalf("expected empty tree after clear, got %q", got)
	}
	if got := run(t, s, &out, "use nope"); !strings.Contains(got, "not found") {
		t.Fatalf("expected not found, got %q", got)
	}
}

func TestLocalShell(t *testing.T) {
	exercise(t, Local{DB: openDB(t, t.TempDir())})
}

func TestShellParsing(t *testing.T) {
	var out bytes.Buffer
	s := New(Local{DB: openDB(t, t.TempDir())}, &out)

	cases := []struct {
		line string
		want string
	}{
		{"create two", "Error: invalid fanout"},
		{"create 2", "Error: fanout must be at least 3"},
		{"frobnicate", "Unknown command: frobnicate"},
		{"create", "created tree default with fanout 3"},
		{"insert 1", "Error: usage: insert <key> <value>"},
		{"insert x 1", "Error: invalid key"},
		{"insert 1 -1", "Error: invalid value"},
		{"deserialize", "Error: usage: deserialize <name>"},
		{"help", "rangesearch <lo> <hi>"},
	}
	for _, tc := range cases {
		if got := run(t, s, &out, tc.line); !strings.Contains(got, tc.want) {
			t.Errorf("%q: expected output containing %q, got %q", tc.line, tc.want, got)
		}
	}
	if s.Current() != "default" {
		t.Fatalf("expected default tree selected, got %q", s.Current())
	}
	if !s.Exec("quit") || !s.Exec("exit") {
		t.Fatalf("quit and exit should end the shell")
	}
	if s.Exec("   ") {
		t.Fatalf("blank lines should not end the shell")
	}
}

type localNode struct{ fsm *raftnode.FSM }

func (n localNode) IsLeader() bool                  { return true }
func (n localNode) Leader() raft.ServerAddress      { return "" }
func (n localNode) Barrier(time.Duration) error     { return nil }
func (n localNode) AddVoter(string, string) error   { return nil }
func (n localNode) Servers() ([]raft.Server, error) { return nil, nil }

func (n localNode) Apply(cmd raftnode.Command, _ time.Duration) (raftnode.ApplyResult, error) {
	b, err := raftnode.EncodeCommand(cmd)
	if err != nil {
		return raftnode.ApplyResult{}, err
	}
	res := n.fsm.Apply(&raft.Log{Data: b}).(raftnode.ApplyResult)
	return res, res.Err
}

// remoteFor serves database over the api and returns a Remote talking to it.
func remoteFor(t *testing.T, database *db.DB) *Remote {
	t.Helper()
	mux := http.NewServeMux()
	api.New(localNode{fsm: &raftnode.FSM{DB: database}}, database, nil, time.Second).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	remote, err := NewRemote(srv.URL)
	if err != nil {
		t.Fatalf("Failed to create remote: %v", err)
	}
	return remote
}

func TestRemoteShell(t *testing.T) {
	exercise(t, remoteFor(t, openDB(t, t.TempDir())))
}

func TestCreateUsesConfiguredFanout(t *testing.T) {
	database, err := db.Open(db.Options{DataDir: t.TempDir(), Fanout: 5})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	for name, backend := range map[string]Backend{
		"local":  Local{DB: database},
		"remote": remoteFor(t, database),
	} {
		var out bytes.Buffer
		s := New(backend, &out)
		if got := run(t, s, &out, "create 0 "+name); got != "created tree "+name+" with fanout 5" {
			t.Fatalf("%s: unexpected create output %q", name, got)
		}
		if got := run(t, s, &out, "create 4 "+name+"4"); got != "created tree "+name+"4 with fanout 4" {
			t.Fatalf("%s: unexpected create output %q", name, got)
		}
	}

	var out bytes.Buffer
	s := New(Local{DB: database}, &out)
	if got := run(t, s, &out, "create"); got != "created tree default with fanout 5" {
		t.Fatalf("unexpected create output %q", got)
	}
	tree, err := database.Tree("default")
	if err != nil || tree.Fanout() != 5 {
		t.Fatalf("expected default tree with fanout 5: %v", err)
	}
}

func TestRemoteFollowsLeader(t *testing.T) {
	var hits int
	leader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"key":1,"value":10,"found":true}`))
	}))
	defer leader.Close()
	leaderHost := strings.TrimPrefix(leader.URL, "http://")
	_, port, _ := strings.Cut(leaderHost, ":")

	follower := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"leader":"127.0.0.1:7001"}`))
	}))
	defer follower.Close()

	// Leader hints carry the raft address, so only the host is taken from it.
	remote, err := NewRemote("http://localhost:" + port)
	if err != nil {
		t.Fatalf("Failed to create remote: %v", err)
	}
	remote.withLeader(leaderHint{Leader: "127.0.0.1:7001"})
	if remote.Base.Host != "127.0.0.1:"+port {
		t.Fatalf("unexpected base after redirect %q", remote.Base.Host)
	}
	value, found, err := remote.Search("t", 1)
	if err != nil || !found || value != 10 || hits != 1 {
		t.Fatalf("search via leader: %d %v %v hits=%d", value, found, err, hits)
	}

	loop, err := NewRemote(follower.URL)
	if err != nil {
		t.Fatalf("Failed to create remote: %v", err)
	}
	if _, _, err := loop.Search("t", 1); err == nil {
		t.Fatalf("expected an error when the leader never answers")
	}
}
