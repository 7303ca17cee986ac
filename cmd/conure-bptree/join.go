package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

type joinRequest struct {
	ID       string `json:"ID"`
	RaftAddr string `json:"RaftAddr"`
}

type leaderHintResp struct {
	Leader string `json:"leader"`
}

func parseSeeds() []string {
	if v := os.Getenv("CONURE_SEEDS"); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return []string{"http://conure-0.conure-hs:8081"}
}

type joiner struct {
	client *http.Client
	seeds  []string
	logger hclog.Logger
}

func newJoiner(seeds []string, logger hclog.Logger) *joiner {
	return &joiner{
		client: &http.Client{Timeout: 10 * time.Second},
		seeds:  seeds,
		logger: logger.Named("join"),
	}
}

// run posts a join request to the seeds until one accepts, following
// leader hints. maxRetries of 0 retries until ctx is done.
func (j *joiner) run(ctx context.Context, nodeID, raftAddr string, backoff time.Duration, maxRetries int) bool {
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	j.logger.Info("starting cluster join", "seeds", j.seeds)

	if j.isAlreadyInCluster(nodeID) {
		j.logger.Info("node is already part of the cluster, skipping join")
		return true
	}

	jr := joinRequest{ID: nodeID, RaftAddr: raftAddr}
	attempt := 0
	currentBackoff := backoff
	for {
		for _, seed := range j.seeds {
			attempt++
			j.logger.Debug("join attempt", "attempt", attempt, "seed", seed)

			if !j.isSeedHealthy(seed) {
				j.logger.Debug("seed is not healthy, trying next", "seed", seed)
				continue
			}
			u, err := url.Parse(seed)
			if err != nil {
				j.logger.Warn("invalid seed URL", "seed", seed, "error", err)
				continue
			}
			u.Path = "/join"
			if j.post(u.String(), jr, seed, true) {
				return true
			}
		}

		if maxRetries > 0 && attempt >= maxRetries {
			j.logger.Error("exhausted join attempts, giving up", "attempts", attempt)
			return false
		}
		j.logger.Info("join round failed, retrying", "backoff", currentBackoff)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(currentBackoff):
		}
		currentBackoff = time.Duration(float64(currentBackoff) * 1.5)
		if currentBackoff > 30*time.Second {
			currentBackoff = 30 * time.Second
		}
	}
}

func (j *joiner) post(target string, jr joinRequest, seed string, follow bool) bool {
	bodyBytes, err := json.Marshal(jr)
	if err != nil {
		j.logger.Error("failed to marshal join request", "error", err)
		return false
	}
	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(bodyBytes))
	if err != nil {
		j.logger.Error("failed to create request", "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.client.Do(req)
	if err != nil {
		j.logger.Warn("failed to contact seed", "seed", seed, "error", err)
		return false
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		j.logger.Info("joined cluster", "via", seed)
		return true
	case http.StatusConflict:
		var h leaderHintResp
		if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
			j.logger.Warn("failed to decode leader hint", "error", err)
			return false
		}
		if follow && h.Leader != "" {
			j.logger.Info("redirecting to leader", "leader", h.Leader)
			return j.post(fmt.Sprintf("http://%s/join", h.Leader), jr, h.Leader, false)
		}
	case http.StatusServiceUnavailable, http.StatusInternalServerError:
		j.logger.Warn("seed temporarily unavailable", "seed", seed, "status", resp.StatusCode)
	default:
		j.logger.Warn("unexpected response", "seed", seed, "status", resp.StatusCode)
	}
	return false
}

// isAlreadyInCluster checks the seeds' raft configuration for nodeID.
func (j *joiner) isAlreadyInCluster(nodeID string) bool {
	for _, seed := range j.seeds {
		u, err := url.Parse(seed)
		if err != nil {
			continue
		}
		u.Path = "/raft/config"
		if j.hasServer(u.String(), nodeID) {
			return true
		}
	}
	return false
}

func (j *joiner) hasServer(target, nodeID string) bool {
	resp, err := j.client.Get(target)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var servers []struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&servers); err != nil {
		return false
	}
	for _, server := range servers {
		if server.ID == nodeID {
			return true
		}
	}
	return false
}

func (j *joiner) isSeedHealthy(seed string) bool {
	u, err := url.Parse(seed)
	if err != nil {
		return false
	}
	u.Path = "/status"
	resp, err := j.client.Get(u.String())
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
