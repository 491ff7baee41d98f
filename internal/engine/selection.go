package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/manifest"
	"github.com/fentz26/mlflow-exim/internal/mlflow"
	"github.com/fentz26/mlflow-exim/internal/resolver"
)

// SelectAll selects every object of a kind.
const SelectAll = "all"

// nameFilter turns a trailing-* glob into a search filter. ok is false for
// plain names.
func nameFilter(token string) (filter string, ok bool) {
	if !strings.HasSuffix(token, "*") {
		return "", false
	}
	prefix := strings.ReplaceAll(strings.TrimSuffix(token, "*"), "'", "\\'")
	return fmt.Sprintf("name LIKE '%s%%'", prefix), true
}

func and(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + " AND " + b
}

// selector resolves the tokens of an export request against the source.
type selector struct {
	client *mlflow.Client
	req    ExportRequest

	sel     resolver.Selection
	missing []missing
	// runExp maps every selected or referenced run to its experiment.
	runExp map[string]string
	// versionRun maps "<model>/<version>" to its backing run, "" when absent.
	versionRun map[string]string
}

func newSelector(client *mlflow.Client, req ExportRequest) *selector {
	return &selector{
		client:     client,
		req:        req,
		runExp:     make(map[string]string),
		versionRun: make(map[string]string),
	}
}

func (s *selector) fail(kind, token string, err error) {
	s.missing = append(s.missing, missing{kind: kind, token: token, err: err})
}

// experiments resolves experiment tokens: "all", name globs, ids or names.
// An id is tried before a name.
func (s *selector) experiments(ctx context.Context, tokens []string) error {
	seen := make(map[string]bool)
	for _, tok := range tokens {
		var found []mlflow.Experiment
		filter, glob := nameFilter(tok)
		switch {
		case tok == SelectAll || glob:
			list, err := s.client.ListExperiments(ctx, mlflow.ListExperimentsOptions{
				Filter:   and(filter, s.req.Filter),
				ViewType: mlflow.ViewActiveOnly,
			})
			if err != nil {
				return err
			}
			found = list
		default:
			exp, err := s.client.GetExperiment(ctx, tok)
			if errs.IsNotFound(err) || errs.Is(err, errs.KindInvalid) {
				exp, err = s.client.GetExperimentByName(ctx, tok)
			}
			if errs.IsNotFound(err) {
				s.fail(manifest.KindExperiment, tok, err)
				continue
			}
			if err != nil {
				return err
			}
			found = []mlflow.Experiment{*exp}
		}
		for _, exp := range found {
			if seen[exp.ExperimentID] {
				continue
			}
			seen[exp.ExperimentID] = true
			if err := s.experiment(ctx, exp.ExperimentID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *selector) experiment(ctx context.Context, id string) error {
	runs, err := s.client.SearchRuns(ctx, []string{id}, mlflow.SearchRunsOptions{ViewType: s.viewType()})
	if err != nil {
		return err
	}
	es := resolver.ExperimentSel{ID: id}
	for _, r := range runs {
		rs := resolver.RunSel{ID: r.Info.ID(), ExperimentID: id}
		s.runExp[rs.ID] = id
		es.Runs = append(es.Runs, rs)
	}
	s.sel.Experiments = append(s.sel.Experiments, es)
	return nil
}

func (s *selector) viewType() string {
	if s.req.ViewType != "" {
		return s.req.ViewType
	}
	return mlflow.ViewActiveOnly
}

// runs resolves standalone run ids.
func (s *selector) runs(ctx context.Context, ids []string) error {
	for _, id := range ids {
		run, err := s.client.GetRun(ctx, id)
		if errs.IsNotFound(err) {
			s.fail(manifest.KindRun, id, err)
			continue
		}
		if err != nil {
			return err
		}
		rs := resolver.RunSel{ID: run.Info.ID(), ExperimentID: run.Info.ExperimentID}
		s.runExp[rs.ID] = rs.ExperimentID
		s.sel.Runs = append(s.sel.Runs, rs)
	}
	return nil
}

// models resolves model tokens: "all", name globs or names.
func (s *selector) models(ctx context.Context, tokens []string) error {
	seen := make(map[string]bool)
	for _, tok := range tokens {
		var names []string
		filter, glob := nameFilter(tok)
		switch {
		case tok == SelectAll || glob:
			list, err := s.client.SearchRegisteredModels(ctx, and(filter, s.req.Filter))
			if err != nil {
				return err
			}
			for _, m := range list {
				if glob && !strings.HasPrefix(m.Name, strings.TrimSuffix(tok, "*")) {
					// The catalog registry ignores filters.
					continue
				}
				names = append(names, m.Name)
			}
		default:
			m, err := s.client.GetRegisteredModel(ctx, tok)
			if errs.IsNotFound(err) {
				s.fail(manifest.KindModel, tok, err)
				continue
			}
			if err != nil {
				return err
			}
			names = []string{m.Name}
		}
		for _, name := range names {
			if seen[name] {
				continue
			}
			seen[name] = true
			if err := s.model(ctx, name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *selector) model(ctx context.Context, name string) error {
	versions, err := s.client.SearchModelVersions(ctx, name)
	if err != nil {
		return err
	}
	ms := resolver.ModelSel{Name: name}
	for _, mv := range versions {
		if !s.wantVersion(mv) {
			continue
		}
		vs := resolver.VersionSel{Model: name, Version: mv.Version}
		if mv.RunID != "" {
			run, err := s.client.GetRun(ctx, mv.RunID)
			switch {
			case err == nil && run.Info.LifecycleStage == mlflow.LifecycleDeleted:
				// Exported as run_absent; the version source tree is mirrored instead.
			case err == nil:
				vs.Run = &resolver.RunSel{ID: run.Info.ID(), ExperimentID: run.Info.ExperimentID}
				s.runExp[vs.Run.ID] = vs.Run.ExperimentID
				s.versionRun[vs.ID()] = vs.Run.ID
			case !errs.IsNotFound(err):
				return err
			}
		}
		ms.Versions = append(ms.Versions, vs)
	}
	s.sel.Models = append(s.sel.Models, ms)
	return nil
}

// wantVersion applies the stage and version filters.
func (s *selector) wantVersion(mv mlflow.ModelVersion) bool {
	if len(s.req.Versions) > 0 && !contains(s.req.Versions, mv.Version, false) {
		return false
	}
	if len(s.req.Stages) > 0 {
		stage := mv.CurrentStage
		if stage == "" {
			stage = mlflow.StageNone
		}
		return contains(s.req.Stages, stage, true)
	}
	return true
}

func contains(list []string, v string, fold bool) bool {
	for _, s := range list {
		if s == v || (fold && strings.EqualFold(s, v)) {
			return true
		}
	}
	return false
}
