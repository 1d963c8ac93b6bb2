package protocol

import "encoding/json"

// The parts of an execution result the system looks at. The rest of the
// object is relayed untouched.
type ExecutionResult struct {
	Error string     `json:"error,omitempty"`
	Run   *RunResult `json:"run,omitempty"`
}

type RunResult struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Output string `json:"output"`
	Code   *int   `json:"code"`
	Signal any    `json:"signal"`
}

// Output extracts run.output from an opaque result. ok is false when the
// object has no run section at all.
func Output(raw json.RawMessage) (output string, ok bool) {
	var res ExecutionResult
	if err := json.Unmarshal(raw, &res); err != nil || res.Run == nil {
		return "", false
	}
	return res.Run.Output, true
}

// Failed reports whether the result carries an error, either ours or the
// execution service's own message field.
func Failed(raw json.RawMessage) (string, bool) {
	var res struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "undecodable result", true
	}
	if res.Error != "" {
		return res.Error, true
	}
	if res.Message != "" {
		return res.Message, true
	}
	return "", false
}
