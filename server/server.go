package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/urfave/cli/v3"
	"tangled.org/loom/config"
	"tangled.org/loom/db"
	"tangled.org/loom/engine"
	"tangled.org/loom/engines/docker"
	"tangled.org/loom/engines/host"
	"tangled.org/loom/log"
	"tangled.org/loom/models"
	"tangled.org/loom/notifier"
	"tangled.org/loom/queue"
	"tangled.org/loom/secrets"
	"tangled.org/loom/workflow"
)

type Loom struct {
	db  *db.DB
	l   *slog.Logger
	n   *notifier.Notifier
	eng *engine.Engine
	jq  *queue.Queue
	sm  secrets.Manager
	cfg *config.Config
}

func Command() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "run the loom CI server",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return Run(ctx)
		},
	}
}

func Run(ctx context.Context) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// dev mode turns on debug logging for everything downstream
	if cfg.Server.Dev {
		logger = log.New("loom", true)
		ctx = log.IntoContext(ctx, logger)
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}

	n := notifier.New()

	sm, err := buildSecrets(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to setup secrets manager: %w", err)
	}
	if stopper, ok := sm.(secrets.Stopper); ok {
		defer stopper.Stop()
	}

	engines, err := buildEngines(ctx, cfg)
	if err != nil {
		return err
	}

	eng, err := engine.New(ctx, d, &n, cfg, sm, engines)
	if err != nil {
		return err
	}

	jq := queue.NewQueue(cfg.Pipelines.QueueSize, 2)

	loom := Loom{
		db:  d,
		l:   logger,
		n:   &n,
		eng: eng,
		jq:  jq,
		sm:  sm,
		cfg: cfg,
	}

	// starts pipeline runners in the background
	jq.Start()
	defer jq.Stop()

	logger.Info("starting loom server", "address", cfg.Server.ListenAddr)
	logger.Error("server error", "error", http.ListenAndServe(cfg.Server.ListenAddr, loom.Router()))

	return nil
}

// buildEngines wires an execution engine per target kind present in the
// runner map. The docker engine is only constructed when some runner
// label actually needs it, so a host-only setup runs without a docker
// daemon.
func buildEngines(ctx context.Context, cfg *config.Config) (map[string]models.Engine, error) {
	engines := make(map[string]models.Engine)

	hostEngine, err := host.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	engines[engine.TargetHost] = hostEngine

	for _, target := range cfg.Pipelines.Runners {
		if target == engine.TargetHost {
			continue
		}
		dockerEngine, err := docker.New(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to setup docker engine: %w", err)
		}
		engines[engine.TargetDocker] = dockerEngine
		break
	}

	return engines, nil
}

// buildSecrets picks the secret store backend from config: sqlite next to
// the main database by default, or an external vault.
func buildSecrets(ctx context.Context, cfg *config.Config) (secrets.Manager, error) {
	switch cfg.Server.Secrets.Provider {
	case "sqlite":
		return secrets.NewSQLiteManager(cfg.Server.DBPath)
	case "vault":
		v := cfg.Server.Secrets.Vault
		return secrets.NewVaultManager(
			v.Addr,
			v.RoleID,
			v.SecretID,
			log.Component(ctx, "vault"),
			secrets.WithMountPath(v.Mount),
		)
	default:
		return nil, fmt.Errorf("unknown secrets provider %q", cfg.Server.Secrets.Provider)
	}
}

func (s *Loom) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Use(s.RequestLogger)

	mux.Post("/pipelines", s.Trigger)
	mux.Get("/pipelines", s.Pipelines)
	mux.Get("/pipelines/{id}", s.PipelineStatuses)
	mux.HandleFunc("/events", s.Events)
	mux.Get("/logs/{id}/*", s.Logs)

	mux.Put("/secrets/{owner}/{repo}", s.AddSecret)
	mux.Get("/secrets/{owner}/{repo}", s.ListSecrets)
	mux.Delete("/secrets/{owner}/{repo}/{key}", s.RemoveSecret)

	return mux
}

type pipelineFile struct {
	Name     string `json:"name"`
	Contents string `json:"contents"`
}

type triggerRequest struct {
	Trigger workflow.Trigger `json:"trigger"`
	Files   []pipelineFile   `json:"files"`
}

type triggerResponse struct {
	Id       models.PipelineId `json:"id,omitempty"`
	Jobs     []string          `json:"jobs,omitempty"`
	Errors   []string          `json:"errors,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// Trigger accepts one trigger event plus the repository's pipeline files,
// compiles them, and schedules the resulting jobs.
func (s *Loom) Trigger(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Trigger")

	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "bad webhook secret")
		return
	}

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed request: %s", err))
		return
	}

	if err := req.Trigger.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Trigger.Repo.CloneURL == "" {
		req.Trigger.Repo.CloneURL = s.cloneURL(req.Trigger.Repo)
	}

	var raw workflow.RawPipeline
	for _, f := range req.Files {
		raw = append(raw, workflow.RawFile{
			Name:     f.Name,
			Contents: []byte(f.Contents),
		})
	}

	compiler := workflow.Compiler{Trigger: req.Trigger}
	compiled := compiler.Compile(compiler.Parse(raw))

	resp := triggerResponse{}
	for _, e := range compiler.Diagnostics.Errors {
		resp.Errors = append(resp.Errors, e.String())
	}
	for _, warning := range compiler.Diagnostics.Warnings {
		resp.Warnings = append(resp.Warnings, warning.String())
	}

	if compiler.Diagnostics.IsErr() {
		l.Error("pipeline rejected", "errors", len(resp.Errors))
		writeJson(w, http.StatusBadRequest, resp)
		return
	}

	if len(compiled.Jobs) == 0 {
		writeJson(w, http.StatusOK, resp)
		return
	}

	id := models.NewPipelineId()
	if err := s.db.CreatePipeline(id, req.Trigger, s.n); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	for _, cj := range compiled.Jobs {
		jid := models.JobId{PipelineId: id, Name: cj.Key()}
		if err := s.db.StatusPending(jid, s.n); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Jobs = append(resp.Jobs, cj.Key())
	}

	ok := s.jq.Enqueue(queue.Job{
		Run: func() error {
			return s.eng.StartJobs(context.WithoutCancel(r.Context()), compiled, id)
		},
		OnFail: func(jobError error) {
			s.l.Error("pipeline run failed", "error", jobError)
		},
	})
	if !ok {
		s.l.Error("failed to enqueue pipeline: queue is full")
		writeError(w, http.StatusServiceUnavailable, "queue is full")
		return
	}

	s.l.Info("pipeline enqueued successfully", "id", id)
	resp.Id = id
	writeJson(w, http.StatusAccepted, resp)
}

func (s *Loom) Pipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.db.GetPipelines(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJson(w, http.StatusOK, pipelines)
}

func (s *Loom) PipelineStatuses(w http.ResponseWriter, r *http.Request) {
	id := models.PipelineId(chi.URLParam(r, "id"))

	statuses, err := s.db.GetPipelineStatuses(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(statuses) == 0 {
		writeError(w, http.StatusNotFound, "no such pipeline")
		return
	}

	writeJson(w, http.StatusOK, statuses)
}

// cloneURL points a repo at the forge this instance fronts, for triggers
// that do not carry an explicit clone url. Dev mode uses plain http.
func (s *Loom) cloneURL(repo *workflow.TriggerRepo) string {
	scheme := "https"
	if s.cfg.Server.Dev {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.cfg.Server.Hostname, repo.Owner, repo.Name)
}

func (s *Loom) authorized(r *http.Request) bool {
	secret := s.cfg.Server.WebhookSecret
	if secret == "" {
		return true
	}
	got := r.Header.Get("X-Loom-Secret")
	return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}

func writeJson(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJson(w, status, map[string]string{"error": msg})
}
