package monitor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/roman-kulish/polarimetry/internal/storage"
	"github.com/roman-kulish/polarimetry/internal/sweep"
)

type runIDInput struct {
	ID string `path:"id" doc:"Run ID"`
}

type runResultsInput struct {
	ID         string `path:"id" doc:"Run ID"`
	FaultsOnly bool   `query:"faults" doc:"Only faulted results"`
	From       int    `query:"from" minimum:"0" doc:"First result index"`
}

type runsOutput struct {
	Body struct {
		Runs []*storage.RunSummary `json:"runs"`
	}
}

type runOutput struct {
	Body struct {
		Run     *storage.RunSummary `json:"run"`
		Results []*sweep.Result     `json:"results"`
	}
}

// StateBody is the state of one run. Live is set while the run is being swept
// by this process.
type StateBody struct {
	RunID  string       `json:"runId"`
	Status sweep.Status `json:"status"`
	State  string       `json:"state"`
	Index  int          `json:"index"`
	Total  int          `json:"total"`
	Faults int          `json:"faults"`
	Live   bool         `json:"live"`
}

type stateOutput struct {
	Body StateBody
}

func (s *Server) register() {
	huma.Register(s.api, huma.Operation{
		OperationID: "listRuns",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
		Description: "Returns the summaries of all stored runs, newest first",
	}, s.listRuns)

	huma.Register(s.api, huma.Operation{
		OperationID: "getRun",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Get run",
		Description: "Returns a run summary and its stored results",
	}, s.getRun)

	huma.Register(s.api, huma.Operation{
		OperationID: "getRunState",
		Method:      http.MethodGet,
		Path:        "/runs/{id}/state",
		Summary:     "Get run state",
		Description: "Returns the live sweep state of a run, or its stored status",
	}, s.getRunState)
}

func (s *Server) listRuns(ctx context.Context, _ *struct{}) (*runsOutput, error) {
	runs, err := s.runs.Runs(ctx)
	if err != nil {
		return nil, s.internalError("listing runs", err)
	}

	resp := &runsOutput{}
	resp.Body.Runs = runs
	if resp.Body.Runs == nil {
		resp.Body.Runs = []*storage.RunSummary{}
	}
	return resp, nil
}

func (s *Server) getRun(ctx context.Context, in *runResultsInput) (*runOutput, error) {
	summary, err := s.runs.Run(ctx, in.ID)
	if err != nil {
		return nil, s.lookupError(in.ID, err)
	}

	opts := []storage.ReaderOption{storage.WithFromIndex(in.From)}
	if in.FaultsOnly {
		opts = append(opts, storage.WithFaultsOnly())
	}

	reader, err := s.runs.ReadResults(ctx, in.ID, opts...)
	if err != nil {
		return nil, s.internalError("reading results", err)
	}
	defer func() { _ = reader.Close() }()

	resp := &runOutput{}
	resp.Body.Run = summary
	resp.Body.Results = []*sweep.Result{}
	for reader.Next(ctx) {
		resp.Body.Results = append(resp.Body.Results, reader.Current())
	}
	if err = reader.Error(); err != nil {
		return nil, s.internalError("reading results", err)
	}

	return resp, nil
}

func (s *Server) getRunState(ctx context.Context, in *runIDInput) (*stateOutput, error) {
	summary, err := s.runs.Run(ctx, in.ID)
	if err != nil {
		return nil, s.lookupError(in.ID, err)
	}

	resp := &stateOutput{Body: StateBody{
		RunID:  summary.ID,
		Status: summary.Status,
		State:  storedState(summary.Status).String(),
		Index:  summary.Completed,
		Total:  summary.Total,
		Faults: summary.Faults,
	}}

	if s.progress != nil {
		if p := s.progress.Progress(); p.RunID == in.ID && p.State != sweep.StateIdle {
			resp.Body.State = p.State.String()
			resp.Body.Index = p.Index
			resp.Body.Faults = p.Faults
			resp.Body.Live = true
		}
	}

	return resp, nil
}

// storedState maps a stored status onto the state a run rests in
func storedState(status sweep.Status) sweep.State {
	switch status {
	case sweep.StatusCompleted:
		return sweep.StateCompleted
	case sweep.StatusAborted:
		return sweep.StateAborted
	default:
		return sweep.StateIdle
	}
}

func (s *Server) lookupError(runID string, err error) error {
	if errors.Is(err, sweep.ErrRunNotFound) {
		return huma.Error404NotFound("run " + runID + " not found")
	}
	return s.internalError("reading run", err)
}

func (s *Server) internalError(msg string, err error) error {
	s.logger.Error(msg, slog.String("error", err.Error()))
	return huma.Error500InternalServerError(msg)
}
