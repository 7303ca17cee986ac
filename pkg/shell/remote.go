package shell

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/conure-db/conure-bptree/db"
)

const maxRedirects = 3

var ErrRedirectLoop = errors.New("leader redirect loop")

type leaderHint struct {
	Leader string `json:"leader"`
}

// Remote talks to a server's HTTP API and follows leader redirects.
type Remote struct {
	HTTP *http.Client
	Base *url.URL
}

var _ Backend = (*Remote)(nil)

func NewRemote(base string) (*Remote, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", base)
	}
	return &Remote{HTTP: &http.Client{}, Base: u}, nil
}

// withLeader points the client at the leader's host, keeping the HTTP port
// of the current base.
func (rc *Remote) withLeader(h leaderHint) {
	if h.Leader == "" {
		return
	}
	leaderHost := h.Leader
	if host, _, ok := strings.Cut(leaderHost, ":"); ok {
		leaderHost = host
	}
	port := rc.Base.Port()
	if port == "" {
		port = "8081"
	}
	b := *rc.Base
	b.Host = leaderHost + ":" + port
	rc.Base = &b
}

// call issues the request, retrying on the leader after a 409, and decodes a
// 2xx JSON body into out when out is non-nil. A 404 without an error message
// is a missing key and returns no error.
func (rc *Remote) call(method, path string, q url.Values, body string, out any) (int, error) {
	for retries := 0; retries < maxRedirects; retries++ {
		u := *rc.Base
		u.Path = path
		u.RawQuery = q.Encode()
		req, err := http.NewRequest(method, u.String(), strings.NewReader(body))
		if err != nil {
			return 0, err
		}
		resp, err := rc.HTTP.Do(req)
		if err != nil {
			return 0, err
		}
		status, done, err := rc.handle(resp, out)
		if done {
			return status, err
		}
	}
	return 0, ErrRedirectLoop
}

func (rc *Remote) handle(resp *http.Response, out any) (int, bool, error) {
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return resp.StatusCode, true, nil
		}
		return resp.StatusCode, true, json.NewDecoder(resp.Body).Decode(out)
	case resp.StatusCode == http.StatusConflict:
		var h leaderHint
		_ = json.NewDecoder(resp.Body).Decode(&h)
		rc.withLeader(h)
		return resp.StatusCode, false, nil
	}
	b, _ := io.ReadAll(resp.Body)
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &e) == nil && e.Error != "" {
		return resp.StatusCode, true, errors.New(e.Error)
	}
	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, true, nil
	}
	return resp.StatusCode, true, fmt.Errorf("server returned %s", strings.TrimSpace(string(b)))
}

func treeQuery(tree string) url.Values { return url.Values{"tree": {tree}} }

func keyQuery(tree string, key int64) url.Values {
	q := treeQuery(tree)
	q.Set("key", strconv.FormatInt(key, 10))
	return q
}

func (rc *Remote) Create(name string, fanout int) (int, error) {
	q := treeQuery(name)
	if fanout > 0 {
		q.Set("fanout", strconv.Itoa(fanout))
	}
	var created struct {
		Fanout int `json:"fanout"`
	}
	if _, err := rc.call(http.MethodPost, "/trees", q, "", &created); err != nil {
		return 0, err
	}
	return created.Fanout, nil
}

func (rc *Remote) Names() ([]string, error) {
	var infos []struct {
		Name string `json:"name"`
	}
	if _, err := rc.call(http.MethodGet, "/trees", nil, "", &infos); err != nil {
		return nil, err
	}
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names, nil
}

func (rc *Remote) Insert(tree string, key int64, value uint64) error {
	_, err := rc.call(http.MethodPut, "/kv", keyQuery(tree, key), strconv.FormatUint(value, 10), nil)
	return err
}

func (rc *Remote) Delete(tree string, key int64) (bool, error) {
	var out struct {
		Found bool `json:"found"`
	}
	_, err := rc.call(http.MethodDelete, "/kv", keyQuery(tree, key), "", &out)
	return out.Found, err
}

func (rc *Remote) Search(tree string, key int64) (uint64, bool, error) {
	var out struct {
		Value uint64 `json:"value"`
		Found bool   `json:"found"`
	}
	status, err := rc.call(http.MethodGet, "/kv", keyQuery(tree, key), "", &out)
	if err != nil || status == http.StatusNotFound {
		return 0, false, err
	}
	return out.Value, out.Found, nil
}

func (rc *Remote) Range(tree string, lo, hi int64) ([]db.Entry, error) {
	q := treeQuery(tree)
	q.Set("lo", strconv.FormatInt(lo, 10))
	q.Set("hi", strconv.FormatInt(hi, 10))
	var out []db.Entry
	_, err := rc.call(http.MethodGet, "/range", q, "", &out)
	return out, err
}

func (rc *Remote) keys(path, tree string) ([]int64, error) {
	var out []int64
	_, err := rc.call(http.MethodGet, path, treeQuery(tree), "", &out)
	return out, err
}

func (rc *Remote) BreadthFirst(tree string) ([]int64, error) { return rc.keys("/bfs", tree) }
func (rc *Remote) FullScan(tree string) ([]int64, error)     { return rc.keys("/scan", tree) }

func (rc *Remote) Reset(tree string) error {
	_, err := rc.call(http.MethodPost, "/reset", treeQuery(tree), "", nil)
	return err
}

// Clear resets the tree and persists the empty result, which sweeps the
// server's node files for it.
func (rc *Remote) Clear(tree string) error {
	if err := rc.Reset(tree); err != nil {
		return err
	}
	return rc.Persist(tree)
}

func (rc *Remote) Persist(tree string) error {
	_, err := rc.call(http.MethodPost, "/persist", treeQuery(tree), "", nil)
	return err
}

func (rc *Remote) Load(tree string) error {
	_, err := rc.call(http.MethodPost, "/load", treeQuery(tree), "", nil)
	return err
}
