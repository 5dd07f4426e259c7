// Package jobs implements the submission-side operations: render a batch
// script, ship it to the cluster, submit it, and fetch logs afterwards.
// Submission is at-least-once; a crash between sbatch and the record
// write can leave a queue job without a record.
package jobs

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"slurmdeck/internal/batchgen"
	"slurmdeck/internal/config"
	"slurmdeck/internal/slurm"
	"slurmdeck/internal/sshx"
	"slurmdeck/internal/store"
)

const (
	submitTimeout = 60 * time.Second
	// Full log fetches on slow shared filesystems can run minutes; status
	// queries never get this budget.
	logFetchTimeout = 3 * time.Minute

	connectRetries = 2
)

// session is the slice of sshx.Session this service needs.
type session interface {
	Open(ctx context.Context) error
	Run(ctx context.Context, cmd string, useLoginShell bool) (sshx.Output, error)
	Upload(ctx context.Context, data []byte, remotePath string) error
	Download(ctx context.Context, remotePath string) ([]byte, error)
	Close() error
}

type sessionFactory func(cluster config.Cluster) session

// SubmitRequest carries one submission or preview.
type SubmitRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Cluster     string            `json:"cluster"`
	Partition   string            `json:"partition"`
	GPUType     string            `json:"gpu_type,omitempty"`
	NumNodes    int               `json:"num_nodes"`
	GPUsPerNode int               `json:"gpus_per_node"`
	TimeLimit   string            `json:"time_limit,omitempty"`
	RepoURL     string            `json:"repo_url"`
	CommitSHA   string            `json:"commit_sha"`
	ScriptPath  string            `json:"script_path"`
	Overrides   map[string]string `json:"overrides,omitempty"`
	EnvSetup    []string          `json:"env_setup,omitempty"`
}

type Service struct {
	store     store.JobStore
	clusters  *config.File
	tailLines int

	newSession sessionFactory
}

func NewService(st store.JobStore, clusters *config.File, tailLines int) *Service {
	if tailLines <= 0 {
		tailLines = 100
	}
	return &Service{
		store:      st,
		clusters:   clusters,
		tailLines:  tailLines,
		newSession: func(cluster config.Cluster) session { return sshx.New(cluster) },
	}
}

// buildSpec maps a request onto the generator's input. Paths derive from
// the job name so a preview renders byte-identical to the submission.
func buildSpec(req SubmitRequest, cluster config.Cluster) batchgen.Spec {
	if req.NumNodes <= 0 {
		req.NumNodes = 1
	}
	if req.GPUsPerNode <= 0 {
		req.GPUsPerNode = 1
	}
	return batchgen.Spec{
		JobName:     req.Name,
		Partition:   req.Partition,
		NumNodes:    req.NumNodes,
		GPUsPerNode: req.GPUsPerNode,
		GPUType:     req.GPUType,
		TimeLimit:   req.TimeLimit,
		OutputFile:  path.Join(cluster.Workspace, req.Name+"-%j.out"),
		RepoURL:     req.RepoURL,
		CommitSHA:   req.CommitSHA,
		Workspace:   cluster.Workspace,
		Command:     batchgen.BuildTrainingCommand(req.ScriptPath, req.Overrides, req.NumNodes),
		EnvSetup:    req.EnvSetup,
		Dialect:     cluster.GPUDialect,
	}
}

func (s *Service) validate(req SubmitRequest) (config.Cluster, error) {
	cluster, err := s.clusters.Cluster(req.Cluster)
	if err != nil {
		return config.Cluster{}, err
	}
	if req.Name == "" {
		return config.Cluster{}, &config.ConfigError{Msg: "job name is required"}
	}
	if len(cluster.AllowedPartitions) > 0 {
		ok := false
		for _, p := range cluster.AllowedPartitions {
			if p == req.Partition {
				ok = true
				break
			}
		}
		if !ok {
			return config.Cluster{}, &config.ConfigError{
				Msg: "partition " + req.Partition + " not allowed on cluster " + cluster.Name,
			}
		}
	}
	return cluster, nil
}

// Preview renders the script that Submit would upload, without I/O.
func (s *Service) Preview(req SubmitRequest) (string, error) {
	cluster, err := s.validate(req)
	if err != nil {
		return "", err
	}
	return batchgen.Render(buildSpec(req, cluster))
}

// Submit renders, uploads and submits the job, then records the
// queue-assigned id. A failed remote step marks the record FAILED with
// the tool's message; the record is returned either way.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (store.JobRecord, error) {
	cluster, err := s.validate(req)
	if err != nil {
		return store.JobRecord{}, err
	}

	spec := buildSpec(req, cluster)
	script, err := batchgen.Render(spec)
	if err != nil {
		return store.JobRecord{}, err
	}

	rec := &store.JobRecord{
		Name:        req.Name,
		Description: req.Description,
		Cluster:     cluster.Name,
		Partition:   req.Partition,
		GPUType:     req.GPUType,
		NumNodes:    spec.NumNodes,
		GPUsPerNode: spec.GPUsPerNode,
		RepoURL:     req.RepoURL,
		CommitSHA:   req.CommitSHA,
		ScriptPath:  req.ScriptPath,
		Overrides:   req.Overrides,
		Status:      slurm.StatusSubmitting,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return store.JobRecord{}, err
	}

	remoteScript := path.Join(cluster.Workspace, req.Name+".sbatch")

	slurmJobID, err := s.submitRemote(ctx, cluster, script, remoteScript)
	if err != nil {
		log.WithFields(log.Fields{"cluster": cluster.Name, "job": req.Name}).Errorf("submit failed: %v", err)
		_ = s.store.UpdateSubmission(ctx, rec.ID, "", slurm.StatusFailed, "", err.Error())
		return s.store.Get(ctx, rec.ID)
	}

	logPath := strings.ReplaceAll(spec.OutputFile, "%j", slurmJobID)
	if err := s.store.UpdateSubmission(ctx, rec.ID, slurmJobID, slurm.StatusPending, logPath, ""); err != nil {
		return store.JobRecord{}, err
	}
	log.WithFields(log.Fields{"cluster": cluster.Name, "job": req.Name, "slurm": slurmJobID}).Info("job submitted")
	return s.store.Get(ctx, rec.ID)
}

// submitRemote opens a session (retrying the connect with backoff; the
// session itself never retries), uploads the script and runs sbatch.
func (s *Service) submitRemote(ctx context.Context, cluster config.Cluster, script, remoteScript string) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	sess := s.newSession(cluster)
	defer sess.Close()

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), connectRetries), sctx)
	if err := backoff.Retry(func() error { return sess.Open(sctx) }, policy); err != nil {
		return "", err
	}

	if err := sess.Upload(sctx, []byte(script), remoteScript); err != nil {
		return "", err
	}

	out, err := sess.Run(sctx, slurm.SubmitCmd(remoteScript), cluster.LoginShell)
	if err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		return "", &slurm.CommandError{Cmd: slurm.SubmitCmd(remoteScript), ExitCode: out.ExitCode, Stderr: out.Stderr}
	}
	return slurm.ParseSubmitOutput(out.Stdout)
}

// Logs fetches the job's output file. tailLines > 0 tails that many
// lines; otherwise the whole file is downloaded and progress-bar noise
// stripped. Both run under the long fetch budget.
func (s *Service) Logs(ctx context.Context, jobID string, tailLines int) (string, error) {
	rec, err := s.store.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if rec.LogPath == "" {
		return "", errors.New("logs not available yet")
	}
	cluster, err := s.clusters.Cluster(rec.Cluster)
	if err != nil {
		return "", err
	}

	lctx, cancel := context.WithTimeout(ctx, logFetchTimeout)
	defer cancel()

	sess := s.newSession(cluster)
	defer sess.Close()
	if err := sess.Open(lctx); err != nil {
		return "", err
	}

	if tailLines > 0 {
		out, err := sess.Run(lctx, slurm.TailCmd(rec.LogPath, tailLines), cluster.LoginShell)
		if err != nil {
			return "", err
		}
		if out.ExitCode != 0 {
			return "", &slurm.CommandError{Cmd: "tail", ExitCode: out.ExitCode, Stderr: out.Stderr}
		}
		return out.Stdout, nil
	}

	raw, err := sess.Download(lctx, rec.LogPath)
	if err != nil {
		return "", err
	}
	return FilterProgressLines(string(raw)), nil
}

// Cancel asks the queue to cancel the job and records the transition.
func (s *Service) Cancel(ctx context.Context, jobID string) (store.JobRecord, error) {
	rec, err := s.store.Get(ctx, jobID)
	if err != nil {
		return store.JobRecord{}, err
	}
	if rec.SlurmJobID == "" {
		return store.JobRecord{}, errors.New("job has no queue id to cancel")
	}
	if rec.Status.IsTerminal() {
		return rec, nil
	}
	cluster, err := s.clusters.Cluster(rec.Cluster)
	if err != nil {
		return store.JobRecord{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	sess := s.newSession(cluster)
	defer sess.Close()
	if err := sess.Open(cctx); err != nil {
		return store.JobRecord{}, err
	}
	out, err := sess.Run(cctx, slurm.CancelCmd(rec.SlurmJobID), cluster.LoginShell)
	if err != nil {
		return store.JobRecord{}, err
	}
	if out.ExitCode != 0 {
		return store.JobRecord{}, &slurm.CommandError{Cmd: slurm.CancelCmd(rec.SlurmJobID), ExitCode: out.ExitCode, Stderr: out.Stderr}
	}

	if err := s.store.UpdateStatus(ctx, rec.ID, slurm.StatusCancelled); err != nil {
		return store.JobRecord{}, err
	}
	return s.store.Get(ctx, rec.ID)
}

// Refresh queries the cluster for one job's current status outside the
// reconciler's schedule and records any change.
func (s *Service) Refresh(ctx context.Context, jobID string) (store.JobRecord, error) {
	rec, err := s.store.Get(ctx, jobID)
	if err != nil {
		return store.JobRecord{}, err
	}
	if rec.SlurmJobID == "" || rec.Status.IsTerminal() {
		return rec, nil
	}
	cluster, err := s.clusters.Cluster(rec.Cluster)
	if err != nil {
		return store.JobRecord{}, err
	}

	qctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	sess := s.newSession(cluster)
	defer sess.Close()
	if err := sess.Open(qctx); err != nil {
		return store.JobRecord{}, err
	}

	status := slurm.StatusUnknown
	out, err := sess.Run(qctx, slurm.LiveStatusCmd(rec.SlurmJobID), cluster.LoginShell)
	if err == nil && out.ExitCode == 0 && strings.TrimSpace(out.Stdout) != "" {
		status = slurm.Normalize(strings.TrimSpace(out.Stdout))
	} else {
		out, err = sess.Run(qctx, slurm.HistoryStatusCmd(rec.SlurmJobID), cluster.LoginShell)
		if err == nil && out.ExitCode == 0 && strings.TrimSpace(out.Stdout) != "" {
			first, _, _ := strings.Cut(strings.TrimSpace(out.Stdout), "\n")
			status = slurm.Normalize(first)
		}
	}

	if status != rec.Status {
		if err := s.store.UpdateStatus(ctx, rec.ID, status); err != nil {
			return store.JobRecord{}, err
		}
	}
	return s.store.Get(ctx, rec.ID)
}
