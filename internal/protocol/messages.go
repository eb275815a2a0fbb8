// Package protocol is the worker's line-oriented JSON channel: one message
// per line, flushed after every write.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Message is implemented by every type that may appear on the channel.
type Message interface {
	message()
}

// Request is read from the caller. ID is opaque and echoed byte-for-byte.
type Request struct {
	ID        json.RawMessage `json:"id"`
	ImagePath string          `json:"image_path"`
}

// Ready is written once after the models are loaded.
type Ready struct {
	Status             string `json:"status"`
	ForensicsAvailable bool   `json:"forensics_available"`
}

// Fatal is written when startup fails, right before the process exits.
type Fatal struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Trace   string `json:"trace"`
}

// Response is a successful classification. Ensemble fields are null when
// the verdict was reached from forensics alone.
type Response struct {
	ID              json.RawMessage   `json:"id"`
	Error           *string           `json:"error"`
	Prediction      *string           `json:"prediction"`
	Confidence      *float64          `json:"confidence"`
	RealProb        *float64          `json:"real_prob"`
	FakeProb        *float64          `json:"fake_prob"`
	FlagReview      *bool             `json:"flag_review"`
	ModelVotes      map[string]string `json:"model_votes"`
	ELA             map[string]any    `json:"ela"`
	Metadata        map[string]any    `json:"metadata"`
	Noise           map[string]any    `json:"noise"`
	ForensicFlags   int               `json:"forensic_flags"`
	ForensicVerdict string            `json:"forensic_verdict"`
	Verdict         string            `json:"verdict"`
	RiskScore       float64           `json:"risk_score"`
	Explanation     string            `json:"explanation"`
	EnsembleError   string            `json:"ensemble_error,omitempty"`
}

// ErrorResponse reports a request-scoped failure. ID is null when the
// request could not be parsed.
type ErrorResponse struct {
	ID    json.RawMessage `json:"id"`
	Error string          `json:"error"`
	Trace string          `json:"trace"`
}

func (Request) message()       {}
func (Ready) message()         {}
func (Fatal) message()         {}
func (Response) message()      {}
func (ErrorResponse) message() {}

func NewReady(forensicsAvailable bool) Ready {
	return Ready{Status: "ready", ForensicsAvailable: forensicsAvailable}
}

func NewFatal(err error) Fatal {
	return Fatal{Status: "error", Message: err.Error(), Trace: Trace(err)}
}

// NewErrorResponse renders err as "<Kind>: <message>".
func NewErrorResponse(id json.RawMessage, err error) ErrorResponse {
	return ErrorResponse{
		ID:    id,
		Error: fmt.Sprintf("%s: %s", Kind(err), err.Error()),
		Trace: Trace(err),
	}
}

type kinded interface {
	Kind() string
}

// Kind names the error class carried by err, or InternalError.
func Kind(err error) string {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return "InternalError"
}

// Trace returns the stack recorded when the error was created, if any.
func Trace(err error) string {
	return fmt.Sprintf("%+v", err)
}

// Round4 matches the precision of the probability fields on the wire.
func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// Reply is what a caller decodes from any worker line: Ready, Fatal,
// Response or ErrorResponse.
type Reply struct {
	Status             string `json:"status"`
	ForensicsAvailable bool   `json:"forensics_available"`
	Message            string `json:"message"`
	Trace              string `json:"trace"`
	Response
}

func (r *Reply) IsReady() bool { return r.Status == "ready" }

func (r *Reply) IsFatal() bool { return r.Status == "error" }

func (r *Reply) Failed() bool { return r.Error != nil }
