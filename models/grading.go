package models

import (
	"encoding/json"
	"fmt"
)

// GradingFailure is the payload stored when a grading attempt fails.
type GradingFailure struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}

// GradingData is either a successful evaluator payload (Result) or a
// failure (Failure). Exactly one of the two is set.
type GradingData struct {
	Result  map[string]any
	Failure *GradingFailure
}

func GradingSuccess(result map[string]any) *GradingData {
	if result == nil {
		result = map[string]any{}
	}
	return &GradingData{Result: result}
}

func GradingFailed(errMsg, errType string) *GradingData {
	return &GradingData{Failure: &GradingFailure{Status: "failed", Error: errMsg, ErrorType: errType}}
}

// HasFailureMarker reports whether a grading object reads as a failure: it
// has status "failed" or an "error" key.
func HasFailureMarker(raw map[string]any) bool {
	status, _ := raw["status"].(string)
	_, hasError := raw["error"]
	return status == "failed" || hasError
}

func (g *GradingData) Failed() bool {
	return g == nil || g.Failure != nil
}

// Succeeded reports whether g holds a usable grading result.
func (g *GradingData) Succeeded() bool {
	return g != nil && g.Failure == nil
}

// Percentage reads score.percentage from a successful result, 0 when absent.
func (g *GradingData) Percentage() float64 {
	if !g.Succeeded() {
		return 0
	}
	score, ok := g.Result["score"].(map[string]any)
	if !ok {
		return 0
	}
	switch v := score["percentage"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

func (g *GradingData) Clone() *GradingData {
	if g == nil {
		return nil
	}
	if g.Failure != nil {
		f := *g.Failure
		return &GradingData{Failure: &f}
	}
	return &GradingData{Result: cloneMap(g.Result)}
}

func (g GradingData) MarshalJSON() ([]byte, error) {
	if g.Failure != nil {
		return json.Marshal(g.Failure)
	}
	if g.Result == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(g.Result)
}

// UnmarshalJSON classifies a stored payload: an object with status "failed"
// or an "error" key is a failure, any other object is a result.
func (g *GradingData) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("grading data: %w", err)
	}
	if HasFailureMarker(raw) {
		f := &GradingFailure{Status: "failed"}
		if v, ok := raw["error"]; ok && v != nil {
			f.Error = fmt.Sprint(v)
		}
		f.ErrorType, _ = raw["error_type"].(string)
		g.Result, g.Failure = nil, f
		return nil
	}
	g.Result, g.Failure = raw, nil
	return nil
}
