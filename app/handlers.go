package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tickline/tickline/engine"
)

// routes builds the monitor API mux.
func (app *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", app.handleHealth)
	mux.HandleFunc("GET /api/status", app.handleStatus)
	mux.HandleFunc("GET /api/logs", app.handleLogs)
	mux.HandleFunc("POST /api/conditions", app.handleRegister)
	mux.HandleFunc("DELETE /api/conditions/{id}", app.handleUnregister)
	return mux
}

func (app *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Version          string          `json:"version"`
	Uptime           string          `json:"uptime"`
	ActiveConditions int             `json:"active_conditions"`
	Instruments      []uint32        `json:"subscribed_instruments"`
	Conditions       []conditionView `json:"conditions"`
}

func (app *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	conds := app.registry.All()
	views := make([]conditionView, 0, len(conds))
	for _, c := range conds {
		views = append(views, newConditionView(c))
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Version:          app.Version,
		Uptime:           time.Since(app.startTime).Round(time.Second).String(),
		ActiveConditions: len(conds),
		Instruments:      app.coord.Subscribed(),
		Conditions:       views,
	})
}

func (app *App) handleLogs(w http.ResponseWriter, _ *http.Request) {
	if app.logBuffer == nil {
		writeJSON(w, http.StatusOK, map[string]any{"logs": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": app.logBuffer.Recent(200)})
}

type registerRequest struct {
	Kind            string `json:"kind"`
	InstrumentToken uint32 `json:"instrument_token"`
	Symbol          string `json:"symbol"`
	Interval        string `json:"interval"`
	Direction       string `json:"direction"`
	Note            string `json:"note"`
	Period          int    `json:"period"`
	Anchor          string `json:"anchor"` // RFC 3339, TREND_LINE only
	Slope           string `json:"slope"`  // decimal string, TREND_LINE only
}

func (app *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cmd, err := req.toCommand()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cond, err := app.lifecycle.RegisterSingle(r.Context(), cmd)
	if err != nil {
		if engine.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	writeJSON(w, http.StatusCreated, newConditionView(cond))
}

func (req registerRequest) toCommand() (engine.RegisterCommand, error) {
	kind, ok := engine.ParseKind(req.Kind)
	if !ok {
		return engine.RegisterCommand{}, &engine.ValidationError{Field: "kind", Reason: "unknown condition kind"}
	}
	interval, ok := engine.ParseInterval(req.Interval)
	if !ok {
		return engine.RegisterCommand{}, &engine.ValidationError{Field: "interval", Reason: "unknown interval"}
	}
	direction, ok := engine.ParseDirection(req.Direction)
	if !ok {
		return engine.RegisterCommand{}, &engine.ValidationError{Field: "direction", Reason: "unknown direction"}
	}

	cmd := engine.RegisterCommand{
		Kind:      kind,
		Token:     req.InstrumentToken,
		Symbol:    req.Symbol,
		Interval:  interval,
		Direction: direction,
		Note:      req.Note,
		Period:    req.Period,
	}

	if kind == engine.KindTrendLine {
		anchor, err := time.Parse(time.RFC3339, req.Anchor)
		if err != nil {
			return engine.RegisterCommand{}, &engine.ValidationError{Field: "anchor", Reason: "must be RFC 3339"}
		}
		slope, err := decimal.NewFromString(req.Slope)
		if err != nil {
			return engine.RegisterCommand{}, &engine.ValidationError{Field: "slope", Reason: "must be a decimal number"}
		}
		cmd.Anchor = anchor
		cmd.Slope = slope
	}

	return cmd, nil
}

func (app *App) handleUnregister(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := app.lifecycle.UnregisterSingle(r.Context(), id); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no active condition with that id")
			return
		}
		writeError(w, http.StatusInternalServerError, "unregistration failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// conditionView is the wire form of one condition, flattening the variants.
type conditionView struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Token     uint32    `json:"instrument_token"`
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	Direction string    `json:"direction"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	Period int    `json:"period,omitempty"`
	Anchor string `json:"anchor,omitempty"`
	Slope  string `json:"slope,omitempty"`
}

func newConditionView(c engine.Condition) conditionView {
	base := c.Meta()
	v := conditionView{
		ID:        base.ID,
		Kind:      string(c.Kind()),
		Token:     base.Token,
		Symbol:    base.Symbol,
		Interval:  string(base.Interval),
		Direction: string(base.Direction),
		Note:      base.Note,
		CreatedAt: base.CreatedAt,
	}
	switch cond := c.(type) {
	case engine.MovingAverage:
		v.Period = cond.Period
	case engine.TrendLine:
		v.Anchor = cond.Anchor.Format(time.RFC3339)
		v.Slope = cond.Slope.String()
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
