package handlers

import (
	"encoding/json"

	"github.com/Brownie44l1/receipt-forensics/internal/forensics"
	"github.com/Brownie44l1/receipt-forensics/internal/protocol"
	"github.com/Brownie44l1/receipt-forensics/internal/verdict"
)

// NewResponse renders a verdict in the wire format.
func NewResponse(id json.RawMessage, final verdict.Final, ensembleErr string) protocol.Response {
	resp := protocol.Response{
		ID:              id,
		ForensicFlags:   final.Forensics.FlagCount,
		ForensicVerdict: final.Forensics.Tier.String(),
		Verdict:         string(final.Label),
		RiskScore:       protocol.Round4(final.RiskScore),
		Explanation:     final.Explanation,
		EnsembleError:   ensembleErr,
	}

	if e := final.Ensemble; e != nil {
		prediction := e.Label.String()
		confidence := protocol.Round4(e.Confidence)
		realProb := protocol.Round4(e.RealProb)
		fakeProb := protocol.Round4(e.FakeProb)
		review := e.NeedsReview

		resp.Prediction = &prediction
		resp.Confidence = &confidence
		resp.RealProb = &realProb
		resp.FakeProb = &fakeProb
		resp.FlagReview = &review
		resp.ModelVotes = e.VoteLabels()
	}

	resp.ELA = report(final.Forensics, "ela")
	resp.Metadata = report(final.Forensics, "metadata")
	resp.Noise = report(final.Forensics, "noise")
	return resp
}

func report(v forensics.Verdict, name string) map[string]any {
	s, ok := v.Signal(name)
	if !ok {
		return nil
	}
	return s.Report()
}
