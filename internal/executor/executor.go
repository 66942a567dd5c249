// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forgecore/forgecore/internal/approval"
	"github.com/forgecore/forgecore/internal/cache"
	"github.com/forgecore/forgecore/internal/dag"
	"github.com/forgecore/forgecore/internal/errkind"
	"github.com/forgecore/forgecore/internal/logger"
	"github.com/forgecore/forgecore/internal/masker"
	"github.com/forgecore/forgecore/internal/matrix"
	"github.com/forgecore/forgecore/internal/model"
	"github.com/forgecore/forgecore/internal/pipeline"
	"github.com/forgecore/forgecore/internal/runner"
	"github.com/forgecore/forgecore/internal/scm"
	"github.com/forgecore/forgecore/internal/secrets"
	"github.com/forgecore/forgecore/internal/store"
	"github.com/forgecore/forgecore/internal/workspace"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetExecutorLogger()
		log = &l
	})
	return log
}

// DefaultDedupWindow is how far back FindActiveByCommit looks for an
// in-flight or recently-finished build of the same commit (P6).
const DefaultDedupWindow = 5 * time.Minute

// Executor drives a single build end to end (C9, §4.9): workspace
// allocation, checkout, pipeline resolution, matrix/DAG expansion, stage and
// step execution (each stage first passing the policy check), artifact
// collection, and the closing notify/SCM status sinks.
type Executor struct {
	Workspaces *workspace.Manager
	SCM        scm.Provider
	Secrets    *secrets.Manager
	Cache      *cache.Manager
	Approvals  *approval.Gates
	Events     EventPublisher

	Builds    store.BuildStore
	Stages    store.StageStore
	Artifacts store.ArtifactStore

	Runner *runner.Runner

	MaxConcurrentStages    int64
	DefaultCloneDepth      int
	DefaultApprovalTimeout time.Duration
	DedupWindow            time.Duration
	ArtifactBlobDir        string

	Policy    PolicyFunc
	Notifiers NotifierRegistry
	ScmStatus ScmStatusFunc
}

// Run executes build for job, mutating both via the injected stores and
// emitting every lifecycle event along the way. It returns the terminal
// error, if any; the build's persisted status always reflects the outcome
// regardless of what Run returns.
func (ex *Executor) Run(ctx context.Context, job *model.Job, build *model.Build) error {
	getLog().Info().Str("build_id", build.ID).Str("job_id", job.ID).Msg("executor: starting build")

	if err := ex.emit(ctx, build, model.EventBuildStarted, "", "", nil); err != nil {
		getLog().Warn().Err(err).Str("build_id", build.ID).Msg("executor: failed to publish build-started")
	}

	workDir, err := ex.Workspaces.Allocate(build.ID)
	if err != nil {
		return ex.fail(ctx, build, job, nil, errkind.New(errkind.CheckoutFailed, fmt.Errorf("allocate workspace: %w", err)))
	}
	build.WorkspacePath = workDir
	defer func() {
		if err := ex.Workspaces.Cleanup(build.ID); err != nil {
			getLog().Warn().Err(err).Str("build_id", build.ID).Msg("executor: workspace cleanup failed")
		}
	}()

	var srcCfg SourceConfig
	if len(job.SourceConfig) > 0 {
		if err := json.Unmarshal(job.SourceConfig, &srcCfg); err != nil {
			return ex.fail(ctx, build, job, nil, errkind.New(errkind.PipelineInvalid, fmt.Errorf("parse source_config: %w", err)))
		}
	}
	depth := srcCfg.CloneDepth
	if depth <= 0 {
		depth = ex.DefaultCloneDepth
	}
	branch := build.GitBranch
	if branch == "" {
		branch = srcCfg.Branch
	}

	checkout, err := ex.SCM.Checkout(ctx, srcCfg.RepoURL, scm.Ref{Commit: build.GitCommit, Branch: branch}, workDir, depth)
	if err != nil {
		return ex.fail(ctx, build, job, nil, err)
	}
	build.GitCommit = checkout.ResolvedAt

	if meta, err := ex.SCM.Metadata(ctx, workDir, branch); err == nil {
		build.GitBranch = meta.Branch
		build.GitAuthor = meta.Author
		build.GitEmail = meta.Email
		build.GitMessage = meta.Message
	} else {
		getLog().Warn().Err(err).Str("build_id", build.ID).Msg("executor: failed to read commit metadata")
	}

	if dup := ex.findDuplicate(ctx, build, job); dup != nil {
		return ex.deduplicate(ctx, build, dup)
	}

	p, source, err := ex.resolvePipeline(job, srcCfg, workDir)
	if err != nil {
		return ex.fail(ctx, build, job, nil, err)
	}
	build.PipelineSource = source

	params := paramsFromBuild(build, p.Parameters)

	var secretValues map[string]string
	if ex.Secrets != nil {
		secretValues, err = ex.Secrets.LoadForJob(ctx, build.OrgIDValue, job.ID)
		if err != nil {
			return ex.fail(ctx, build, job, p, errkind.New(errkind.SecretMissing, err))
		}
	}
	m := masker.New()
	for _, v := range secretValues {
		m.Register(v)
	}
	lookup := func(name string) (string, bool) {
		v, ok := secretValues[name]
		return v, ok
	}
	if source != model.PipelineSourceServer {
		pipeline.ResolvePipelineExpressions(p, params, lookup)
	}

	propagateContainers(p)

	expanded, err := matrix.ExpandAll(p.Stages)
	if err != nil {
		return ex.fail(ctx, build, job, p, err)
	}
	matrix.ResolveDependsOn(expanded)
	p.Stages = expanded

	dependsOn := make(map[string][]string, len(expanded))
	byName := make(map[string]*pipeline.Stage, len(expanded))
	for i := range expanded {
		s := &expanded[i]
		dependsOn[s.Name] = s.DependsOn
		byName[s.Name] = s
	}

	graph, err := dag.NewGraph(dependsOn)
	if err != nil {
		return ex.fail(ctx, build, job, p, err)
	}

	maxConcurrency := ex.MaxConcurrentStages
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	var buildFailed atomic.Bool
	runErr := graph.Execute(ctx, maxConcurrency, func(ctx context.Context, name string) bool {
		ok := ex.runStage(ctx, build, job, p, byName[name], params, m, workDir)
		if !ok {
			buildFailed.Store(true)
		}
		return ok
	}, func(skipped string) {
		ex.recordSkippedStage(ctx, build, byName[skipped])
	})
	if runErr != nil {
		return ex.fail(ctx, build, job, p, errkind.NewStep(errkind.StepAborted, "", "", runErr))
	}

	ex.runPost(ctx, build, job, p, params, m, workDir, buildFailed.Load())

	if err := ex.collectArtifacts(ctx, build, job, p.Artifacts, workDir); err != nil {
		getLog().Warn().Err(err).Str("build_id", build.ID).Msg("executor: artifact collection failed")
		buildFailed.Store(true)
	}

	if buildFailed.Load() {
		return ex.fail(ctx, build, job, p, errkind.NewStage(errkind.StepNonzeroExit, "", fmt.Errorf("one or more stages failed")))
	}
	return ex.succeed(ctx, build, job, p)
}

func (ex *Executor) findDuplicate(ctx context.Context, build *model.Build, job *model.Job) *model.Build {
	if ex.Builds == nil || build.GitCommit == "" {
		return nil
	}
	window := ex.DedupWindow
	if window <= 0 {
		window = DefaultDedupWindow
	}
	dup, err := ex.Builds.FindActiveByCommit(ctx, build.OrgIDValue, job.ID, build.GitCommit, time.Now().UTC().Add(-window))
	if err != nil || dup == nil || dup.ID == build.ID {
		return nil
	}
	return dup
}

func (ex *Executor) deduplicate(ctx context.Context, build, dup *model.Build) error {
	now := time.Now().UTC()
	msg := fmt.Sprintf("deduplicated against build %s for the same commit", dup.ID)
	getLog().Info().Str("build_id", build.ID).Str("duplicate_of", dup.ID).Msg("executor: skipping duplicate build")
	if err := ex.Builds.UpdateBuildStatus(ctx, build.OrgIDValue, build.ID, model.BuildAborted, &now, "", msg); err != nil {
		getLog().Error().Err(err).Str("build_id", build.ID).Msg("executor: failed to persist dedup outcome")
	}
	_ = ex.emit(ctx, build, model.EventBuildCompleted, "", "", map[string]any{
		"status": string(model.BuildAborted), "deduplicated_against": dup.ID,
	})
	return nil
}

// resolvePipeline applies the §4.9 step 3 priority: the explicit
// pipeline_file when source_config names one, otherwise the repo's
// conventional .forgecore/pipeline.{edn,yaml,yml} files; if no candidate
// file exists it falls back to the job's server-stored pipeline_value.
func (ex *Executor) resolvePipeline(job *model.Job, srcCfg SourceConfig, workDir string) (*pipeline.Pipeline, model.PipelineSource, error) {
	type candidate struct {
		path   string
		source model.PipelineSource
	}
	var candidates []candidate
	if srcCfg.PipelineFile != "" {
		candidates = append(candidates, candidate{srcCfg.PipelineFile, sourceForExt(srcCfg.PipelineFile)})
	} else {
		candidates = append(candidates,
			candidate{".forgecore/pipeline.edn", model.PipelineSourceRepoEDN},
			candidate{".forgecore/pipeline.yaml", model.PipelineSourceRepoYAML},
			candidate{".forgecore/pipeline.yml", model.PipelineSourceRepoYAML},
		)
	}

	for _, c := range candidates {
		data, err := os.ReadFile(filepath.Join(workDir, c.path))
		if err != nil {
			continue
		}
		parser, err := pipeline.GetFormatParser(strings.TrimPrefix(filepath.Ext(c.path), "."))
		if err != nil {
			return nil, "", errkind.New(errkind.PipelineInvalid, err)
		}
		p, err := parser.Parse(data)
		if err != nil {
			return nil, "", errkind.New(errkind.PipelineInvalid, fmt.Errorf("parse %s: %w", c.path, err))
		}
		return p, c.source, nil
	}

	if len(job.PipelineValue) == 0 {
		return nil, "", errkind.New(errkind.PipelineNotFound, fmt.Errorf("no pipeline file in workspace and job has no stored pipeline_value"))
	}
	var p pipeline.Pipeline
	if err := json.Unmarshal(job.PipelineValue, &p); err != nil {
		return nil, "", errkind.New(errkind.PipelineInvalid, fmt.Errorf("parse job pipeline_value: %w", err))
	}
	return &p, model.PipelineSourceServer, nil
}

func sourceForExt(path string) model.PipelineSource {
	if strings.EqualFold(filepath.Ext(path), ".edn") {
		return model.PipelineSourceRepoEDN
	}
	return model.PipelineSourceRepoYAML
}

func paramsFromBuild(build *model.Build, defs []pipeline.ParamDef) map[string]string {
	params := make(map[string]string, len(defs))
	for _, d := range defs {
		if d.Default != "" {
			params[d.Name] = d.Default
		}
	}
	if len(build.Parameters) > 0 {
		var override map[string]string
		if err := json.Unmarshal(build.Parameters, &override); err == nil {
			for k, v := range override {
				params[k] = v
			}
		}
	}
	return params
}

// propagateContainers fills an unset stage/step container from its parent
// (pipeline -> stage -> step), per §4.9 step 6.
func propagateContainers(p *pipeline.Pipeline) {
	for i := range p.Stages {
		s := &p.Stages[i]
		if s.Container == nil {
			s.Container = p.Container
		}
		for j := range s.Steps {
			st := &s.Steps[j]
			if st.Container == nil {
				st.Container = s.Container
			}
		}
	}
}

func conditionMet(cond *pipeline.Condition, build *model.Build, params map[string]string) bool {
	if cond == nil {
		return true
	}
	switch cond.Type {
	case "branch":
		return build.GitBranch == cond.Value
	case "param":
		return params[cond.Param] == cond.Value
	default:
		return true
	}
}

func stepCommands(stage *pipeline.Stage) []string {
	cmds := make([]string, len(stage.Steps))
	for i, s := range stage.Steps {
		cmds[i] = s.Command
	}
	return cmds
}

func flattenEnv(stage *pipeline.Stage) map[string]string {
	env := map[string]string{}
	for _, s := range stage.Steps {
		for k, v := range s.Env {
			env[k] = v
		}
	}
	return env
}

func paramEnvKey(name string) string {
	return "PARAM_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func (ex *Executor) buildEnv(p *pipeline.Pipeline, stage *pipeline.Stage, step *pipeline.Step, job *model.Job, build *model.Build, params map[string]string) []string {
	env := map[string]string{}
	for k, v := range p.Env {
		env[k] = v
	}
	if stage.Container != nil {
		for k, v := range stage.Container.Env {
			env[k] = v
		}
	}
	for k, v := range step.Env {
		env[k] = v
	}
	for name, val := range params {
		env[paramEnvKey(name)] = val
	}

	env["GIT_COMMIT"] = build.GitCommit
	if len(build.GitCommit) >= 7 {
		env["GIT_COMMIT_SHORT"] = build.GitCommit[:7]
	} else {
		env["GIT_COMMIT_SHORT"] = build.GitCommit
	}
	env["GIT_BRANCH"] = build.GitBranch
	env["GIT_AUTHOR"] = build.GitAuthor
	env["GIT_EMAIL"] = build.GitEmail
	env["GIT_MESSAGE"] = build.GitMessage
	env["BUILD_ID"] = build.ID
	env["BUILD_NUMBER"] = strconv.FormatInt(build.BuildNumber, 10)
	env["WORKSPACE_PATH"] = build.WorkspacePath
	env["JOB_NAME"] = job.Name

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func (ex *Executor) commandFor(step *pipeline.Step) (string, error) {
	switch step.Type {
	case pipeline.StepDocker, pipeline.StepDockerCompose:
		if step.Container == nil || step.Container.Image == "" {
			return "", errkind.NewStep(errkind.PipelineInvalid, "", step.Name, fmt.Errorf("container step %q declares no image", step.Name))
		}
		spec := pipeline.ContainerCommandSpec{
			Image:      step.Container.Image,
			Workdir:    "/workspace",
			Env:        step.Env,
			Command:    step.Command,
			CacheMount: step.Container.CacheVolumes,
		}
		for _, v := range step.Container.Volumes {
			parts := strings.SplitN(v, ":", 2)
			host := parts[0]
			cont := host
			if len(parts) == 2 {
				cont = parts[1]
			}
			spec.Mounts = append(spec.Mounts, pipeline.MountSpec{Host: host, Container: cont})
		}
		return pipeline.BuildContainerCommand(spec)
	default:
		return step.Command, nil
	}
}

func (ex *Executor) emit(ctx context.Context, build *model.Build, kind model.EventKind, stageName, stepName string, payload map[string]any) error {
	if ex.Events == nil {
		return nil
	}
	var raw json.RawMessage
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}
	ev := &model.BuildEvent{
		BuildID:    build.ID,
		OrgIDValue: build.OrgIDValue,
		Kind:       kind,
		StageName:  stageName,
		StepName:   stepName,
		Payload:    raw,
		CreatedAt:  time.Now().UTC(),
	}
	return ex.Events.Publish(ctx, ev)
}

func (ex *Executor) buildInfo(build *model.Build, job *model.Job) BuildInfo {
	info := BuildInfo{
		OrgID: build.OrgIDValue, BuildID: build.ID, BuildNumber: build.BuildNumber,
		Status: build.Status, GitCommit: build.GitCommit, GitBranch: build.GitBranch,
		ErrorKind: build.ErrorKind, ErrorMsg: build.ErrorMessage,
	}
	if job != nil {
		info.JobID = job.ID
		info.JobName = job.Name
	}
	return info
}

func (ex *Executor) notify(ctx context.Context, build *model.Build, job *model.Job, p *pipeline.Pipeline) {
	info := ex.buildInfo(build, job)
	if ex.ScmStatus != nil {
		if err := ex.ScmStatus(ctx, info); err != nil {
			getLog().Warn().Err(err).Str("build_id", build.ID).Msg("executor: scm status report failed")
		}
	}
	if p == nil || ex.Notifiers == nil {
		return
	}
	for _, n := range p.Notify {
		fn, ok := ex.Notifiers[n.Type]
		if !ok {
			getLog().Warn().Str("build_id", build.ID).Str("notifier", n.Type).Msg("executor: no notifier registered for type")
			continue
		}
		if err := fn(ctx, info, n.Config); err != nil {
			getLog().Warn().Err(err).Str("build_id", build.ID).Str("notifier", n.Type).Msg("executor: notifier delivery failed")
		}
	}
}

func (ex *Executor) fail(ctx context.Context, build *model.Build, job *model.Job, p *pipeline.Pipeline, err error) error {
	kind, _ := errkind.Of(err)
	status := model.BuildFailure
	if kind == errkind.StepAborted {
		status = model.BuildAborted
	}
	build.Status = status
	build.ErrorKind = string(kind)
	build.ErrorMessage = err.Error()

	now := time.Now().UTC()
	if ex.Builds != nil {
		if uerr := ex.Builds.UpdateBuildStatus(ctx, build.OrgIDValue, build.ID, status, &now, string(kind), err.Error()); uerr != nil {
			getLog().Error().Err(uerr).Str("build_id", build.ID).Msg("executor: failed to persist build failure")
		}
	}
	_ = ex.emit(ctx, build, model.EventBuildCompleted, "", "", map[string]any{
		"status": string(status), "error_kind": string(kind), "error": err.Error(),
	})
	ex.notify(ctx, build, job, p)
	getLog().Error().Err(err).Str("build_id", build.ID).Str("error_kind", string(kind)).Msg("executor: build failed")
	return err
}

func (ex *Executor) succeed(ctx context.Context, build *model.Build, job *model.Job, p *pipeline.Pipeline) error {
	build.Status = model.BuildSuccess
	now := time.Now().UTC()
	if ex.Builds != nil {
		if err := ex.Builds.UpdateBuildStatus(ctx, build.OrgIDValue, build.ID, model.BuildSuccess, &now, "", ""); err != nil {
			getLog().Error().Err(err).Str("build_id", build.ID).Msg("executor: failed to persist build success")
		}
	}
	_ = ex.emit(ctx, build, model.EventBuildCompleted, "", "", map[string]any{"status": string(model.BuildSuccess)})
	ex.notify(ctx, build, job, p)
	getLog().Info().Str("build_id", build.ID).Msg("executor: build succeeded")
	return nil
}

func (ex *Executor) runPost(ctx context.Context, build *model.Build, job *model.Job, p *pipeline.Pipeline, params map[string]string, m *masker.Masker, workDir string, buildFailed bool) {
	if p.Post == nil {
		return
	}
	steps := append([]pipeline.Step{}, p.Post.Always...)
	if buildFailed {
		steps = append(steps, p.Post.OnFailure...)
	} else {
		steps = append(steps, p.Post.OnSuccess...)
	}
	if len(steps) == 0 {
		return
	}
	postStage := &pipeline.Stage{Name: "post", Steps: steps}
	ex.runStage(ctx, build, job, p, postStage, params, m, workDir)
}

func (ex *Executor) recordSkippedStage(ctx context.Context, build *model.Build, stage *pipeline.Stage) {
	if stage == nil {
		return
	}
	now := time.Now().UTC()
	rec := &model.StageRecord{
		ID: uuid.NewString(), BuildID: build.ID, OrgIDValue: build.OrgIDValue,
		Name: stage.Name, Status: model.StageSkipped, StartedAt: &now, FinishedAt: &now,
		SkippedReason: "upstream stage failed",
	}
	if err := ex.Stages.UpsertStage(ctx, rec); err != nil {
		getLog().Warn().Err(err).Str("stage", stage.Name).Msg("executor: failed to persist skipped stage")
	}
	_ = ex.emit(ctx, build, model.EventStageCompleted, stage.Name, "", map[string]any{"status": string(model.StageSkipped)})
}

// runStage executes one expanded stage: cache lookup, policy gate, approval
// gate, cache restore, step loop, cache save, per §4.9 step 10.
func (ex *Executor) runStage(ctx context.Context, build *model.Build, job *model.Job, p *pipeline.Pipeline, stage *pipeline.Stage, params map[string]string, m *masker.Masker, workDir string) bool {
	fp := cache.StageFingerprint(build.GitCommit, stage.Name, stepCommands(stage), flattenEnv(stage))

	if ex.Cache != nil {
		if cached, err := ex.Cache.LookupStageResult(ctx, job.ID, fp); err == nil && cached != nil {
			now := time.Now().UTC()
			rec := &model.StageRecord{
				ID: uuid.NewString(), BuildID: build.ID, OrgIDValue: build.OrgIDValue,
				Name: stage.Name, Status: model.StageCached, StartedAt: &now, FinishedAt: &now,
			}
			_ = ex.Stages.UpsertStage(ctx, rec)
			_ = ex.emit(ctx, build, model.EventStageCached, stage.Name, "", map[string]any{"fingerprint": fp})
			return true
		}
	}

	if ex.Policy != nil {
		allow, reason := ex.Policy(ctx, ex.buildInfo(build, job))
		if !allow {
			ex.persistStageOutcome(ctx, build, stage, model.StageFailure, "policy denied: "+reason)
			return false
		}
	}

	if stage.Approval != nil {
		if !ex.awaitApproval(ctx, build, stage) {
			return false
		}
	}

	if ex.Cache != nil {
		for _, decl := range stage.Cache {
			if _, err := ex.Cache.Restore(ctx, job.ID, decl.Key, decl.RestoreKeys, workDir); err != nil {
				getLog().Warn().Err(err).Str("stage", stage.Name).Str("cache_key", decl.Key).Msg("executor: cache restore failed")
			}
		}
	}

	now := time.Now().UTC()
	rec := &model.StageRecord{
		ID: uuid.NewString(), BuildID: build.ID, OrgIDValue: build.OrgIDValue,
		Name: stage.Name, Status: model.StageRunning, StartedAt: &now,
	}
	if stage.Container != nil {
		rec.ContainerImage = stage.Container.Image
	}
	_ = ex.Stages.UpsertStage(ctx, rec)
	_ = ex.emit(ctx, build, model.EventStageStarted, stage.Name, "", nil)

	succeeded := true
	for i := range stage.Steps {
		step := &stage.Steps[i]
		if !conditionMet(step.Condition, build, params) {
			continue
		}
		if !ex.runStep(ctx, build, job, p, stage, step, params, m, workDir) {
			succeeded = false
			break
		}
	}

	if ex.Cache != nil {
		for _, decl := range stage.Cache {
			if err := ex.Cache.Save(ctx, build.OrgIDValue, job.ID, decl.Key, workDir, decl.Paths); err != nil {
				getLog().Warn().Err(err).Str("stage", stage.Name).Str("cache_key", decl.Key).Msg("executor: cache save failed")
			}
		}
	}

	status := model.StageSuccess
	if !succeeded {
		status = model.StageFailure
	} else if ex.Cache != nil {
		result := map[string]any{"stage": stage.Name, "status": string(status)}
		if err := ex.Cache.SaveStageResult(ctx, build.OrgIDValue, job.ID, fp, stage.Name, build.GitCommit, result); err != nil {
			getLog().Warn().Err(err).Str("stage", stage.Name).Msg("executor: stage result cache save failed")
		}
	}
	ex.persistStageOutcome(ctx, build, stage, status, "")
	return succeeded
}

func (ex *Executor) persistStageOutcome(ctx context.Context, build *model.Build, stage *pipeline.Stage, status model.StageStatus, errMsg string) {
	now := time.Now().UTC()
	rec := &model.StageRecord{
		ID: uuid.NewString(), BuildID: build.ID, OrgIDValue: build.OrgIDValue,
		Name: stage.Name, Status: status, StartedAt: &now, FinishedAt: &now, ErrorMessage: errMsg,
	}
	if stage.Container != nil {
		rec.ContainerImage = stage.Container.Image
	}
	if err := ex.Stages.UpsertStage(ctx, rec); err != nil {
		getLog().Warn().Err(err).Str("stage", stage.Name).Msg("executor: failed to persist stage outcome")
	}
	_ = ex.emit(ctx, build, model.EventStageCompleted, stage.Name, "", map[string]any{"status": string(status), "error": errMsg})
}

func (ex *Executor) awaitApproval(ctx context.Context, build *model.Build, stage *pipeline.Stage) bool {
	timeout := time.Duration(stage.Approval.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = ex.DefaultApprovalTimeout
	}
	gate, err := ex.Approvals.Create(ctx, build.ID, stage.Name, stage.Approval.RequiredApprovals, timeout)
	if err != nil {
		ex.persistStageOutcome(ctx, build, stage, model.StageFailure, "create approval gate: "+err.Error())
		return false
	}
	_ = ex.emit(ctx, build, model.EventApprovalRequired, stage.Name, "", map[string]any{"gate_id": gate.ID})

	_, err = ex.Approvals.Await(ctx, gate.ID)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	_ = ex.emit(ctx, build, model.EventApprovalResolved, stage.Name, "", map[string]any{"gate_id": gate.ID, "error": errMsg})
	if err != nil {
		ex.persistStageOutcome(ctx, build, stage, model.StageFailure, errMsg)
		return false
	}
	return true
}

// runStep executes one step via the process runner (shell) or the
// container-command builder (docker/docker-compose), per §4.9 step 10.
func (ex *Executor) runStep(ctx context.Context, build *model.Build, job *model.Job, p *pipeline.Pipeline, stage *pipeline.Stage, step *pipeline.Step, params map[string]string, m *masker.Masker, workDir string) bool {
	now := time.Now().UTC()
	rec := &model.StepRecord{
		ID: uuid.NewString(), BuildID: build.ID, StageName: stage.Name, OrgIDValue: build.OrgIDValue,
		Name: step.Name, Status: model.StageRunning, StartedAt: &now,
	}
	if step.Container != nil {
		rec.ContainerImage = step.Container.Image
	}
	_ = ex.Stages.UpsertStep(ctx, rec)
	_ = ex.emit(ctx, build, model.EventStepStarted, stage.Name, step.Name, nil)

	stepCtx := ctx
	if step.TimeoutMs > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	command, err := ex.commandFor(step)
	if err != nil {
		return ex.finishStep(ctx, build, rec, 0, err.Error())
	}

	dir := workDir
	if step.Dir != "" {
		dir = filepath.Join(workDir, step.Dir)
	}

	spec := runner.Spec{
		Command: []string{"sh", "-c", command},
		WorkDir: dir,
		Env:     ex.buildEnv(p, stage, step, job, build, params),
		Masker:  m,
	}
	result, runErr := ex.Runner.Run(stepCtx, spec, func(prog runner.Progress) {
		_ = ex.emit(ctx, build, model.EventStepLog, stage.Name, step.Name, map[string]any{
			"phase": prog.Phase, "recent_output": prog.RecentOutput,
		})
	})
	if runErr != nil {
		return ex.finishStep(ctx, build, rec, -1, runErr.Error())
	}
	if stepCtx.Err() != nil {
		var kindErr *errkind.Error
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			kindErr = errkind.NewStep(errkind.StepTimeout, stage.Name, step.Name, fmt.Errorf("step exceeded its timeout"))
		} else {
			kindErr = errkind.NewStep(errkind.StepAborted, stage.Name, step.Name, fmt.Errorf("step aborted: %w", stepCtx.Err()))
		}
		return ex.finishStep(ctx, build, rec, result.ExitCode, kindErr.Error())
	}
	return ex.finishStep(ctx, build, rec, result.ExitCode, result.Error)
}

func (ex *Executor) finishStep(ctx context.Context, build *model.Build, rec *model.StepRecord, exitCode int, errMsg string) bool {
	finished := time.Now().UTC()
	rec.FinishedAt = &finished
	rec.ExitCode = &exitCode
	success := exitCode == 0 && errMsg == ""
	if success {
		rec.Status = model.StageSuccess
	} else {
		rec.Status = model.StageFailure
		rec.ErrorMessage = errMsg
	}
	if err := ex.Stages.UpsertStep(ctx, rec); err != nil {
		getLog().Warn().Err(err).Str("step", rec.Name).Msg("executor: failed to persist step outcome")
	}
	_ = ex.emit(ctx, build, model.EventStepCompleted, rec.StageName, rec.Name, map[string]any{
		"status": string(rec.Status), "exit_code": exitCode,
	})
	return success
}
