// Package inventory serves cluster GPU snapshots from a TTL cache, with
// partition listing and connection probes alongside. Cache entries are
// replaced whole, never patched.
package inventory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"slurmdeck/internal/config"
	"slurmdeck/internal/slurm"
	"slurmdeck/internal/sshx"
)

const (
	cacheTTL     = 60 * time.Second
	fetchTimeout = 60 * time.Second
	probeTimeout = 15 * time.Second
)

// Snapshot is a cluster snapshot plus staleness metadata.
type Snapshot struct {
	slurm.Snapshot
	Cached          bool `json:"cached"`
	CacheAgeSeconds int  `json:"cache_age_seconds"`
}

type entry struct {
	snap slurm.Snapshot
	at   time.Time
}

// fetchFunc pulls one fresh snapshot from a cluster. Swapped out in tests.
type fetchFunc func(ctx context.Context, cluster config.Cluster) (slurm.Snapshot, error)

// Service owns the process-wide snapshot cache, keyed by cluster name.
type Service struct {
	clusters *config.File
	fetch    fetchFunc
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]entry
	flight  singleflight.Group
}

func NewService(clusters *config.File) *Service {
	return &Service{
		clusters: clusters,
		fetch:    fetchRemote,
		ttl:      cacheTTL,
		now:      time.Now,
		entries:  make(map[string]entry),
	}
}

// GPUAvailability returns the cluster's snapshot. Within the TTL the
// cached copy is returned with its integer age; otherwise one remote
// fetch runs per cluster, concurrent misses sharing its result.
func (s *Service) GPUAvailability(ctx context.Context, clusterName string) (Snapshot, error) {
	cluster, err := s.clusters.Cluster(clusterName)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	if e, ok := s.entries[clusterName]; ok {
		if age := s.now().Sub(e.at); age < s.ttl {
			s.mu.Unlock()
			return Snapshot{Snapshot: e.snap, Cached: true, CacheAgeSeconds: int(age.Seconds())}, nil
		}
	}
	s.mu.Unlock()

	v, err, _ := s.flight.Do(clusterName, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()

		snap, err := s.fetch(fctx, cluster)
		if err != nil {
			return nil, err
		}
		snap = filterAllowedTypes(snap, cluster.AllowedGPUTypes)

		s.mu.Lock()
		s.entries[clusterName] = entry{snap: snap, at: s.now()}
		s.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		log.WithFields(log.Fields{"cluster": clusterName}).Errorf("inventory fetch failed: %v", err)
		return Snapshot{}, err
	}
	return Snapshot{Snapshot: v.(slurm.Snapshot)}, nil
}

// fetchRemote runs the node and pending-queue listings over one session
// and parses them into a snapshot.
func fetchRemote(ctx context.Context, cluster config.Cluster) (slurm.Snapshot, error) {
	var snap slurm.Snapshot
	err := sshx.With(ctx, cluster, func(sess *sshx.Session) error {
		nodes, err := sess.Run(ctx, slurm.NodeInventoryCmd(), cluster.LoginShell)
		if err != nil {
			return err
		}
		if nodes.ExitCode != 0 {
			return &slurm.CommandError{Cmd: slurm.NodeInventoryCmd(), ExitCode: nodes.ExitCode, Stderr: nodes.Stderr}
		}

		// A pending-listing failure degrades to zero pending demand
		// rather than losing the whole snapshot.
		pendingOut := ""
		pending, err := sess.Run(ctx, slurm.PendingDemandCmd(), cluster.LoginShell)
		if err == nil && pending.ExitCode == 0 {
			pendingOut = pending.Stdout
		}

		snap = slurm.ParseInventory(nodes.Stdout, pendingOut)
		return nil
	})
	return snap, err
}

// filterAllowedTypes drops models outside the cluster's allow-list and
// recomputes the free total. An empty allow-list keeps everything.
func filterAllowedTypes(snap slurm.Snapshot, allowed []string) slurm.Snapshot {
	if len(allowed) == 0 {
		return snap
	}
	set := make(map[string]bool, len(allowed))
	for _, t := range allowed {
		set[strings.ToLower(t)] = true
	}

	out := slurm.Snapshot{}
	for _, g := range snap.GPUs {
		if !set[strings.ToLower(g.GPUType)] {
			continue
		}
		out.GPUs = append(out.GPUs, g)
		out.TotalFreeGPUs += g.Available
	}
	return out
}

// Partitions lists a cluster's partitions: the configured allow-list when
// present, otherwise a live sinfo query.
func (s *Service) Partitions(ctx context.Context, clusterName string) ([]string, error) {
	cluster, err := s.clusters.Cluster(clusterName)
	if err != nil {
		return nil, err
	}
	if len(cluster.AllowedPartitions) > 0 {
		out := append([]string(nil), cluster.AllowedPartitions...)
		sort.Strings(out)
		return out, nil
	}

	var parts []string
	err = sshx.With(ctx, cluster, func(sess *sshx.Session) error {
		out, err := sess.Run(ctx, slurm.PartitionsCmd(), cluster.LoginShell)
		if err != nil {
			return err
		}
		if out.ExitCode != 0 {
			return &slurm.CommandError{Cmd: slurm.PartitionsCmd(), ExitCode: out.ExitCode, Stderr: out.Stderr}
		}
		parts = slurm.ParsePartitions(out.Stdout)
		return nil
	})
	return parts, err
}

// ProbeResult reports a connection test.
type ProbeResult struct {
	Cluster   string `json:"cluster"`
	Reachable bool   `json:"reachable"`
	Hostname  string `json:"hostname,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TestConnection opens a session and runs a trivial command.
func (s *Service) TestConnection(ctx context.Context, clusterName string) (ProbeResult, error) {
	cluster, err := s.clusters.Cluster(clusterName)
	if err != nil {
		return ProbeResult{}, err
	}

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	res := ProbeResult{Cluster: clusterName}
	err = sshx.With(pctx, cluster, func(sess *sshx.Session) error {
		out, err := sess.Run(pctx, "hostname", cluster.LoginShell)
		if err != nil {
			return err
		}
		if out.ExitCode != 0 {
			return &slurm.CommandError{Cmd: "hostname", ExitCode: out.ExitCode, Stderr: out.Stderr}
		}
		res.Reachable = true
		res.Hostname = strings.TrimSpace(out.Stdout)
		return nil
	})
	if err != nil {
		res.Error = err.Error()
	}
	return res, nil
}
