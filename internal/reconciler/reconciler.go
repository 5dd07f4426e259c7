// Package reconciler advances job records toward the cluster's reported
// state. One background loop fires on a fixed interval; a tick that would
// overlap a still-running tick is dropped, never queued.
package reconciler

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"slurmdeck/internal/config"
	"slurmdeck/internal/slurm"
	"slurmdeck/internal/sshx"
	"slurmdeck/internal/store"
)

const statusTimeout = 15 * time.Second

// clusterSession is the slice of sshx.Session the reconciler needs;
// narrowed so ticks are testable without a network.
type clusterSession interface {
	Run(ctx context.Context, cmd string, useLoginShell bool) (sshx.Output, error)
	Close() error
}

type sessionFactory func(ctx context.Context, cluster config.Cluster) (clusterSession, error)

type Reconciler struct {
	store     store.JobStore
	clusters  *config.File
	interval  time.Duration
	tailLines int

	newSession sessionFactory

	inFlight atomic.Bool
	ticks    atomic.Uint64
	skipped  atomic.Uint64
}

func New(st store.JobStore, clusters *config.File, interval time.Duration, tailLines int) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if tailLines <= 0 {
		tailLines = 100
	}
	return &Reconciler{
		store:     st,
		clusters:  clusters,
		interval:  interval,
		tailLines: tailLines,
		newSession: func(ctx context.Context, cluster config.Cluster) (clusterSession, error) {
			s := sshx.New(cluster)
			if err := s.Open(ctx); err != nil {
				_ = s.Close()
				return nil, err
			}
			return s, nil
		},
	}
}

// Run ticks on the configured interval until ctx is cancelled. The first
// tick fires immediately.
func (r *Reconciler) Run(ctx context.Context) {
	r.Tick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick reconciles every active job once. At most one tick runs at a time;
// the in-flight flag is cleared on every exit path so a failed tick can
// never wedge polling.
func (r *Reconciler) Tick(ctx context.Context) {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.skipped.Add(1)
		log.Debug("reconcile tick already in progress, skipping")
		return
	}
	defer r.inFlight.Store(false)
	r.ticks.Add(1)

	jobs, err := r.store.Active(ctx)
	if err != nil {
		log.Errorf("reconcile: list active jobs: %v", err)
		return
	}
	if len(jobs) == 0 {
		return
	}
	log.Debugf("reconcile: polling %d active jobs", len(jobs))

	byCluster := map[string][]store.JobRecord{}
	for _, j := range jobs {
		byCluster[j.Cluster] = append(byCluster[j.Cluster], j)
	}

	for name, clusterJobs := range byCluster {
		cluster, err := r.clusters.Cluster(name)
		if err != nil {
			log.Errorf("reconcile: %v", err)
			continue
		}
		r.reconcileCluster(ctx, cluster, clusterJobs)
	}
}

// reconcileCluster opens one session and queries every job over it, in
// job-list order. A connection failure is left for the next tick.
func (r *Reconciler) reconcileCluster(ctx context.Context, cluster config.Cluster, jobs []store.JobRecord) {
	sess, err := r.newSession(ctx, cluster)
	if err != nil {
		log.WithFields(log.Fields{"cluster": cluster.Name}).Errorf("reconcile: connect: %v", err)
		return
	}
	defer sess.Close()

	for _, job := range jobs {
		status := r.queryStatus(ctx, sess, cluster, job.SlurmJobID)

		if status != job.Status {
			log.WithFields(log.Fields{
				"cluster": cluster.Name,
				"job":     job.Name,
				"slurm":   job.SlurmJobID,
			}).Infof("status %s -> %s", job.Status, status)
			if err := r.store.UpdateStatus(ctx, job.ID, status); err != nil {
				log.Errorf("reconcile: update job %s: %v", job.ID, err)
			}
		}

		if status == slurm.StatusRunning && job.WandbRunURL == "" && job.LogPath != "" {
			r.scanWandbURL(ctx, sess, cluster, job)
		}
	}
}

// queryStatus asks the live queue first and falls back to accounting for
// jobs that already left it. Command failures degrade to UNKNOWN; they
// never fail the tick.
func (r *Reconciler) queryStatus(ctx context.Context, sess clusterSession, cluster config.Cluster, slurmJobID string) slurm.Status {
	qctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	out, err := sess.Run(qctx, slurm.LiveStatusCmd(slurmJobID), cluster.LoginShell)
	if err == nil && out.ExitCode == 0 && strings.TrimSpace(out.Stdout) != "" {
		return slurm.Normalize(strings.TrimSpace(out.Stdout))
	}

	out, err = sess.Run(qctx, slurm.HistoryStatusCmd(slurmJobID), cluster.LoginShell)
	if err == nil && out.ExitCode == 0 && strings.TrimSpace(out.Stdout) != "" {
		first, _, _ := strings.Cut(strings.TrimSpace(out.Stdout), "\n")
		return slurm.Normalize(first)
	}

	return slurm.StatusUnknown
}

// scanWandbURL looks for an experiment-tracking URL in the log tail.
// Best-effort: any failure is dropped.
func (r *Reconciler) scanWandbURL(ctx context.Context, sess clusterSession, cluster config.Cluster, job store.JobRecord) {
	qctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	out, err := sess.Run(qctx, slurm.TailCmd(job.LogPath, r.tailLines), cluster.LoginShell)
	if err != nil || out.ExitCode != 0 {
		return
	}
	url := ExtractWandbURL(out.Stdout)
	if url == "" {
		return
	}
	if err := r.store.SetWandbURL(ctx, job.ID, url); err != nil {
		log.Errorf("reconcile: record wandb url for job %s: %v", job.ID, err)
		return
	}
	log.WithFields(log.Fields{"job": job.Name}).Infof("found wandb run %s", url)
}

// Stats returns tick counters for observability.
func (r *Reconciler) Stats() (ticks, skipped uint64) {
	return r.ticks.Load(), r.skipped.Load()
}
