package scenario

import (
	"encoding/json"

	"karya/internal/domain"
)

func init() {
	Register(SpeechVerification{})
}

// SpeechVerification asks a worker to rate a recording on accuracy, quality,
// and volume. Task params: creditsPerVerification (required, > 0).
// Task input: {"recordings": [{"sentence": ..., "recording": ...}]}.
// Assignment output: {"accuracy": 0-2, "quality": 0-2, "volume": 0-2}.
type SpeechVerification struct{}

func (SpeechVerification) Name() string { return "SPEECH_VERIFICATION" }

func (SpeechVerification) ValidateTask(task domain.Task) error {
	params, err := taskParams(task)
	if err != nil {
		return err
	}
	if floatParam(params, "creditsPerVerification", 0) <= 0 {
		return Invalid("creditsPerVerification must be a positive number")
	}
	return nil
}

type speechVerificationInput struct {
	Recordings []map[string]any `json:"recordings"`
}

func (s SpeechVerification) ProcessInput(task domain.Task, input json.RawMessage) ([]GroupSpec, error) {
	var in speechVerificationInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, Invalid("task input is not valid JSON: %v", err)
	}
	if len(in.Recordings) == 0 {
		return nil, Invalid("task input must list at least one recording")
	}
	params, err := taskParams(task)
	if err != nil {
		return nil, err
	}
	credits := floatParam(params, "creditsPerVerification", 0)
	group := GroupSpec{}
	for _, rec := range in.Recordings {
		group.Microtasks = append(group.Microtasks, MicrotaskSpec{
			Input:    rec,
			Credits:  credits,
			Deadline: task.Deadline,
		})
	}
	return []GroupSpec{group}, nil
}

func (s SpeechVerification) EstimateBudget(task domain.Task, microtaskCount int) float64 {
	params, err := taskParams(task)
	if err != nil {
		return 0
	}
	return floatParam(params, "creditsPerVerification", 0) * float64(microtaskCount)
}

func (SpeechVerification) MicrotaskOutput(task domain.Task, microtask domain.Microtask, verified []domain.MicrotaskAssignment) (map[string]any, error) {
	ratings := []any{}
	for _, a := range verified {
		out := map[string]any{}
		if a.OutputJSON != "" {
			if err := json.Unmarshal([]byte(a.OutputJSON), &out); err != nil {
				return nil, err
			}
		}
		out["worker_id"] = a.WorkerID
		ratings = append(ratings, out)
	}
	return map[string]any{"ratings": ratings}, nil
}
