package chain

import (
	"encoding/json"
	"fmt"

	"karya/internal/domain"
)

func init() {
	Register(SpeechValidation{})
}

// SpeechValidation links a speech data task to a speech verification task:
// each completed recording becomes a verification microtask, and completed
// verifications decide the recording assignment's credits.
type SpeechValidation struct{}

func (SpeechValidation) Name() string { return "SPEECH_VALIDATION" }

func (SpeechValidation) HandleCompletedFromAssignments(from, to domain.Task, assignments []domain.MicrotaskAssignment, microtasks []domain.Microtask) ([]domain.Microtask, error) {
	toParams := map[string]any{}
	if to.ParamsJSON != "" {
		_ = json.Unmarshal([]byte(to.ParamsJSON), &toParams)
	}
	credits, _ := toParams["creditsPerVerification"].(float64)

	drafts := make([]domain.Microtask, 0, len(assignments))
	for i, a := range assignments {
		source := microtasks[i]
		sourceInput := map[string]any{}
		if source.InputJSON != "" {
			if err := json.Unmarshal([]byte(source.InputJSON), &sourceInput); err != nil {
				return nil, fmt.Errorf("source microtask %s input: %w", source.ID, err)
			}
		}
		output := map[string]any{}
		if a.OutputJSON != "" {
			if err := json.Unmarshal([]byte(a.OutputJSON), &output); err != nil {
				return nil, fmt.Errorf("assignment %s output: %w", a.ID, err)
			}
		}
		input := map[string]any{
			"sentence":  sourceInput["sentence"],
			"recording": output["recording"],
		}
		if a.OutputFileID != nil {
			input["recordingFileId"] = *a.OutputFileID
		}
		inputJSON, err := json.Marshal(input)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, domain.Microtask{
			InputJSON: string(inputJSON),
			Credits:   credits,
			Deadline:  to.Deadline,
		})
	}
	return drafts, nil
}

// speechRatings is the output shape of a completed verification microtask:
// the per-assignment ratings folded in by the verification scenario.
type speechRatings struct {
	Ratings []struct {
		Accuracy float64 `json:"accuracy"`
		Quality  float64 `json:"quality"`
		Volume   float64 `json:"volume"`
	} `json:"ratings"`
}

func (SpeechValidation) HandleCompletedToMicrotasks(from, to domain.Task, microtasks []domain.Microtask, assignments []domain.MicrotaskAssignment) ([]domain.MicrotaskAssignment, error) {
	byID := map[string]domain.MicrotaskAssignment{}
	for _, a := range assignments {
		byID[a.ID] = a
	}
	var updated []domain.MicrotaskAssignment
	for _, m := range microtasks {
		meta, ok := chainMetadata(m.InputJSON)
		if !ok {
			continue
		}
		a, ok := byID[meta.AssignmentID]
		if !ok {
			continue
		}
		var out speechRatings
		if err := json.Unmarshal([]byte(m.OutputJSON), &out); err != nil {
			return nil, fmt.Errorf("verification microtask %s output: %w", m.ID, err)
		}
		pass := len(out.Ratings) > 0
		for _, r := range out.Ratings {
			if r.Accuracy < 1 || r.Quality < 1 || r.Volume < 1 {
				pass = false
				break
			}
		}
		report, err := json.Marshal(map[string]any{"ratings": out.Ratings, "passed": pass})
		if err != nil {
			return nil, err
		}
		a.ReportJSON = string(report)
		if pass {
			// Full credit: leave Credits unset so verification grants
			// the microtask's maximum.
			a.Credits = nil
		} else {
			zero := 0.0
			a.Credits = &zero
		}
		updated = append(updated, a)
	}
	return updated, nil
}
