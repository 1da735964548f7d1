package scenario

import (
	"encoding/json"

	"karya/internal/domain"
)

func init() {
	Register(SpeechData{})
}

// SpeechData collects one audio recording per sentence. Task params:
// creditsPerRecording (required, > 0). Task input: {"sentences": [...]}.
type SpeechData struct{}

func (SpeechData) Name() string { return "SPEECH_DATA" }

func (SpeechData) ValidateTask(task domain.Task) error {
	params, err := taskParams(task)
	if err != nil {
		return err
	}
	if floatParam(params, "creditsPerRecording", 0) <= 0 {
		return Invalid("creditsPerRecording must be a positive number")
	}
	return nil
}

type speechDataInput struct {
	Sentences []string `json:"sentences"`
}

func (s SpeechData) ProcessInput(task domain.Task, input json.RawMessage) ([]GroupSpec, error) {
	var in speechDataInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, Invalid("task input is not valid JSON: %v", err)
	}
	if len(in.Sentences) == 0 {
		return nil, Invalid("task input must list at least one sentence")
	}
	params, err := taskParams(task)
	if err != nil {
		return nil, err
	}
	credits := floatParam(params, "creditsPerRecording", 0)
	group := GroupSpec{}
	for _, sentence := range in.Sentences {
		group.Microtasks = append(group.Microtasks, MicrotaskSpec{
			Input:    map[string]any{"sentence": sentence},
			Credits:  credits,
			Deadline: task.Deadline,
		})
	}
	return []GroupSpec{group}, nil
}

func (s SpeechData) EstimateBudget(task domain.Task, microtaskCount int) float64 {
	params, err := taskParams(task)
	if err != nil {
		return 0
	}
	return floatParam(params, "creditsPerRecording", 0) * float64(microtaskCount)
}

func (SpeechData) MicrotaskOutput(task domain.Task, microtask domain.Microtask, verified []domain.MicrotaskAssignment) (map[string]any, error) {
	recordings := []any{}
	for _, a := range verified {
		out := map[string]any{}
		if a.OutputJSON != "" {
			if err := json.Unmarshal([]byte(a.OutputJSON), &out); err != nil {
				return nil, err
			}
		}
		entry := map[string]any{
			"worker_id":     a.WorkerID,
			"assignment_id": a.ID,
		}
		if rec, ok := out["recording"]; ok {
			entry["recording"] = rec
		}
		if a.OutputFileID != nil {
			entry["file_id"] = *a.OutputFileID
		}
		recordings = append(recordings, entry)
	}
	return map[string]any{"recordings": recordings}, nil
}
