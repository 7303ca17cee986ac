package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/conure-db/conure-bptree/db"
	"github.com/conure-db/conure-bptree/pkg/raftnode"
	"github.com/hashicorp/raft"
)

// fakeNode applies commands straight to an FSM, standing in for a
// single-node cluster.
type fakeNode struct {
	fsm     *raftnode.FSM
	leader  bool
	applied []raftnode.Command
}

func (n *fakeNode) IsLeader() bool             { return n.leader }
func (n *fakeNode) Leader() raft.ServerAddress { return "10.0.0.1:7000" }
func (n *fakeNode) Barrier(time.Duration) error { return nil }
func (n *fakeNode) AddVoter(id, addr string) error {
	return nil
}

func (n *fakeNode) Servers() ([]raft.Server, error) {
	return []raft.Server{{ID: "node1", Address: "10.0.0.1:7000", Suffrage: raft.Voter}}, nil
}

func (n *fakeNode) Apply(cmd raftnode.Command, _ time.Duration) (raftnode.ApplyResult, error) {
	b, err := raftnode.EncodeCommand(cmd)
	if err != nil {
		return raftnode.ApplyResult{}, err
	}
	n.applied = append(n.applied, cmd)
	res := n.fsm.Apply(&raft.Log{Data: b}).(raftnode.ApplyResult)
	return res, res.Err
}

func newTestServer(t *testing.T, leader bool) (*httptest.Server, *db.DB) {
	srv, database, _ := newTestServerWith(t, leader, db.Options{})
	return srv, database
}

func newTestServerWith(t *testing.T, leader bool, opts db.Options) (*httptest.Server, *db.DB, *fakeNode) {
	t.Helper()
	opts.DataDir = t.TempDir()
	database, err := db.Open(opts)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	node := &fakeNode{fsm: &raftnode.FSM{DB: database}, leader: leader}
	mux := http.NewServeMux()
	New(node, database, nil, time.Second).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, database, node
}

func do(t *testing.T, method, url string, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func getKeys(t *testing.T, url string) []int64 {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	var keys []int64
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		t.Fatalf("Failed to decode keys: %v", err)
	}
	return keys
}

func TestTreeLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, true)

	if resp, _ := do(t, http.MethodPost, srv.URL+"/trees?tree=t&fanout=3", ""); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodPost, srv.URL+"/trees?tree=t", ""); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("duplicate create: status %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodPost, srv.URL+"/trees?tree=bad&fanout=2", ""); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("fanout 2: status %d", resp.StatusCode)
	}

	for k := 1; k <= 7; k++ {
		url := srv.URL + "/kv?tree=t&key=" + strconv.Itoa(k) + "&value=" + strconv.Itoa(k*10)
		if resp, _ := do(t, http.MethodPut, url, ""); resp.StatusCode != http.StatusOK {
			t.Fatalf("put %d: status %d", k, resp.StatusCode)
		}
	}
	if resp, _ := do(t, http.MethodPut, srv.URL+"/kv?tree=t&key=8", "80\n"); resp.StatusCode != http.StatusOK {
		t.Fatalf("put with body: status %d", resp.StatusCode)
	}

	resp, body := do(t, http.MethodGet, srv.URL+"/kv?tree=t&key=3", "")
	if resp.StatusCode != http.StatusOK || body["value"].(float64) != 30 {
		t.Fatalf("get 3: status %d body %v", resp.StatusCode, body)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/kv?tree=t&key=99", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get missing: status %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/kv?tree=nope&key=1", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get in missing tree: status %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/kv?tree=t&key=abc", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad key: status %d", resp.StatusCode)
	}

	resp, body = do(t, http.MethodDelete, srv.URL+"/kv?tree=t&key=8", "")
	if resp.StatusCode != http.StatusOK || body["found"] != true {
		t.Fatalf("delete 8: status %d body %v", resp.StatusCode, body)
	}

	bfs := getKeys(t, srv.URL+"/bfs?tree=t")
	if len(bfs) != 13 || bfs[0] != 3 || bfs[1] != 5 {
		t.Fatalf("unexpected bfs %v", bfs)
	}
	if scan := getKeys(t, srv.URL+"/scan?tree=t"); len(scan) != 7 {
		t.Fatalf("unexpected scan %v", scan)
	}

	rresp, err := http.Get(srv.URL + "/range?tree=t&lo=2&hi=5")
	if err != nil {
		t.Fatalf("range failed: %v", err)
	}
	var entries []entryJSON
	_ = json.NewDecoder(rresp.Body).Decode(&entries)
	rresp.Body.Close()
	if len(entries) != 3 || entries[0].Key != 2 || entries[0].Value != 20 {
		t.Fatalf("unexpected range %v", entries)
	}

	if resp, _ := do(t, http.MethodPost, srv.URL+"/persist?tree=t", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("persist: status %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodPost, srv.URL+"/reset?tree=t", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("reset: status %d", resp.StatusCode)
	}
	if scan := getKeys(t, srv.URL+"/scan?tree=t"); len(scan) != 0 {
		t.Fatalf("expected empty scan after reset, got %v", scan)
	}
	if resp, _ := do(t, http.MethodPost, srv.URL+"/load?tree=t", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("load: status %d", resp.StatusCode)
	}
	if scan := getKeys(t, srv.URL+"/scan?tree=t"); len(scan) != 7 {
		t.Fatalf("expected 7 keys after load, got %v", scan)
	}

	if resp, _ := do(t, http.MethodDelete, srv.URL+"/trees?tree=t", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("drop: status %d", resp.StatusCode)
	}
}

func TestCreateUsesLeaderFanout(t *testing.T) {
	srv, database, node := newTestServerWith(t, true, db.Options{Fanout: 5})

	resp, body := do(t, http.MethodPost, srv.URL+"/trees?tree=t", "")
	if resp.StatusCode != http.StatusCreated || body["fanout"].(float64) != 5 {
		t.Fatalf("create: status %d body %v", resp.StatusCode, body)
	}
	if len(node.applied) != 1 || node.applied[0].Fanout != 5 {
		t.Fatalf("expected the replicated create to carry fanout 5, got %+v", node.applied)
	}
	tree, err := database.Tree("t")
	if err != nil || tree.Fanout() != 5 {
		t.Fatalf("expected tree with fanout 5: %v", err)
	}
}

func TestLoadIsReplicated(t *testing.T) {
	srv, database, node := newTestServerWith(t, true, db.Options{Compress: true})
	do(t, http.MethodPost, srv.URL+"/trees?tree=t&fanout=4", "")
	for k := 0; k < 20; k++ {
		do(t, http.MethodPut, srv.URL+"/kv?tree=t&key="+strconv.Itoa(k)+"&value=1", "")
	}
	if resp, _ := do(t, http.MethodPost, srv.URL+"/persist?tree=t", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("persist: status %d", resp.StatusCode)
	}
	do(t, http.MethodPost, srv.URL+"/reset?tree=t", "")

	resp, body := do(t, http.MethodPost, srv.URL+"/load?tree=t", "")
	if resp.StatusCode != http.StatusOK || body["fanout"].(float64) != 4 {
		t.Fatalf("load: status %d body %v", resp.StatusCode, body)
	}
	last := node.applied[len(node.applied)-1]
	if last.Type != raftnode.CmdRestoreTree || last.Tree != "t" || len(last.Snapshot) == 0 {
		t.Fatalf("expected load to replicate the tree, last command %s", last.Type)
	}

	// Another replica applying the same entry ends up with the same tree.
	replica, err := db.Open(db.Options{DataDir: t.TempDir(), Fanout: 7})
	if err != nil {
		t.Fatalf("Failed to open replica: %v", err)
	}
	defer replica.Close()
	fsm := &raftnode.FSM{DB: replica}
	for _, cmd := range node.applied {
		b, _ := raftnode.EncodeCommand(cmd)
		fsm.Apply(&raft.Log{Data: b})
	}
	want, _ := database.BreadthFirst("t")
	got, _ := replica.BreadthFirst("t")
	if len(got) == 0 || fmt.Sprint(want) != fmt.Sprint(got) {
		t.Fatalf("replica diverged after load: %v vs %v", want, got)
	}

	if resp, _ := do(t, http.MethodPost, srv.URL+"/load?tree=missing", ""); resp.StatusCode == http.StatusOK {
		t.Fatalf("load of an unpersisted tree succeeded")
	}
}

func TestFollowerRedirects(t *testing.T) {
	srv, database := newTestServer(t, false)
	if _, err := database.Create("t", 3); err != nil {
		t.Fatalf("Failed to create tree: %v", err)
	}
	database.Insert("t", 1, 10)

	resp, body := do(t, http.MethodPut, srv.URL+"/kv?tree=t&key=2&value=3", "")
	if resp.StatusCode != http.StatusConflict || body["leader"] != "10.0.0.1:7000" {
		t.Fatalf("follower write: status %d body %v", resp.StatusCode, body)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/kv?tree=t&key=1", ""); resp.StatusCode != http.StatusConflict {
		t.Fatalf("follower read: status %d", resp.StatusCode)
	}
	resp, body = do(t, http.MethodGet, srv.URL+"/kv?tree=t&key=1&stale=true", "")
	if resp.StatusCode != http.StatusOK || body["value"].(float64) != 10 {
		t.Fatalf("stale read: status %d body %v", resp.StatusCode, body)
	}

	if resp, _ := do(t, http.MethodGet, srv.URL+"/stats?tree=t", ""); resp.StatusCode != http.StatusConflict {
		t.Fatalf("follower stats: status %d", resp.StatusCode)
	}
	resp, body = do(t, http.MethodGet, srv.URL+"/stats?tree=t&stale=1", "")
	if resp.StatusCode != http.StatusOK || body["keys"] == nil {
		t.Fatalf("stale stats: status %d body %v", resp.StatusCode, body)
	}

	if err := database.Persist("t"); err != nil {
		t.Fatalf("Failed to persist: %v", err)
	}
	if resp, _ := do(t, http.MethodPost, srv.URL+"/load?tree=t", ""); resp.StatusCode != http.StatusConflict {
		t.Fatalf("follower load: status %d", resp.StatusCode)
	}
}

func TestStatusAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, true)

	resp, body := do(t, http.MethodGet, srv.URL+"/status", "")
	if resp.StatusCode != http.StatusOK || body["is_leader"] != true {
		t.Fatalf("status: %d %v", resp.StatusCode, body)
	}

	mresp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics failed: %v", err)
	}
	mresp.Body.Close()
	if mresp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: status %d", mresp.StatusCode)
	}

	cresp, err := http.Get(srv.URL + "/raft/config")
	if err != nil {
		t.Fatalf("raft config failed: %v", err)
	}
	defer cresp.Body.Close()
	var servers []map[string]string
	if err := json.NewDecoder(cresp.Body).Decode(&servers); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(servers) != 1 || servers[0]["suffrage"] != "Voter" {
		t.Fatalf("unexpected servers %v", servers)
	}
}
