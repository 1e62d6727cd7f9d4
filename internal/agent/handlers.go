package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"sommelier/internal/logging"
	"sommelier/internal/service"
)

// Backend is the outbound surface handlers call. service.Client satisfies
// it; tests substitute fakes.
type Backend interface {
	Identify(ctx context.Context, req service.IdentifyRequest) (*service.IdentifyResult, *service.FieldStream, error)
	Enrich(ctx context.Context, req service.EnrichRequest) (*service.FieldStream, error)
	AddWine(ctx context.Context, req service.AddWineRequest) (*service.AddWineResult, error)
}

// Escalator is a direct model call used when the primary identification
// comes back under the confidence threshold. llm.Provider satisfies it.
type Escalator interface {
	Name() string
	Identify(ctx context.Context, text, imageData string) (*service.IdentifyResult, error)
}

// drainStream applies every delta of a field stream to the reconciler,
// blocking until the stream closes or the context cancels. Returns the
// end-of-stream confidence (identify streams only; zero otherwise).
func drainStream(ctx context.Context, rec *Reconciler, stream *service.FieldStream) (float64, error) {
	deltas, final, errs := stream.Deltas, stream.Final, stream.Errs
	var confidence float64
	for deltas != nil || final != nil || errs != nil {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case d, ok := <-deltas:
			if !ok {
				deltas = nil
				continue
			}
			rec.ApplyToken(d)
		case sum, ok := <-final:
			if !ok {
				final = nil
				continue
			}
			confidence = sum.Confidence
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return 0, err
			}
		}
	}
	return confidence, nil
}

// confirmPrompt formats the identified fields for user review.
func confirmPrompt(fields map[service.Field]string) string {
	if name, ok := fields[service.FieldWineName]; ok {
		return fmt.Sprintf("I believe this is %s. Does this look right?", name)
	}
	return "Here is what I found. Does this look right?"
}

// identifyHandler runs the primary identification call. It also serves the
// internal re-identify action, which replays a remembered identify input
// with user hints appended.
type identifyHandler struct {
	backend   Backend
	threshold float64
	escalate  bool // an escalation provider is configured
}

func (h *identifyHandler) validate(conv *Conversation, act Action) error {
	if strings.TrimSpace(act.Text) == "" && act.ImageData == "" {
		return &ValidationError{Missing: []string{"text or image"}}
	}
	return nil
}

func (h *identifyHandler) handle(ctx context.Context, conv *Conversation, act Action) *effects {
	eff := &effects{clearStalled: true}
	eff.rememberIdentify = &act
	notLow := false
	eff.lowConfidence = &notLow
	conv.Reconciler.Reset()
	conv.resetEscalations()

	result, stream, err := h.backend.Identify(ctx, service.IdentifyRequest{
		Text:      act.Text,
		ImageData: act.ImageData,
	})
	if err != nil {
		return h.fail(eff, &TransportError{Op: "identify", Err: err})
	}

	if stream != nil {
		confidence, err := drainStream(ctx, conv.Reconciler, stream)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return &effects{}
			}
			return h.fail(eff, &TransportError{Op: "identify stream", Err: err})
		}
		conv.Reconciler.MarkAllComplete()
		result = &service.IdentifyResult{
			Fields:     conv.Reconciler.Values(),
			Confidence: confidence,
		}
	}

	return h.settle(eff, result)
}

// settle routes the identification result by confidence: above threshold
// goes straight to confirmation, below threshold escalates if a provider is
// configured, otherwise the result goes out flagged low-confidence.
func (h *identifyHandler) settle(eff *effects, result *service.IdentifyResult) *effects {
	if len(result.Fields) == 0 {
		eff.transition = PhaseIdle
		eff.say(RoleAgent, KindError, "I could not identify a wine from that. Try a clearer photo or more detail.", nil)
		return eff
	}

	eff.identity = result.Fields
	eff.identityReplace = true

	if result.Confidence >= h.threshold {
		logging.Agent("identify confidence %.2f >= %.2f, awaiting confirmation", result.Confidence, h.threshold)
		eff.transition = PhaseAwaitingConfirmation
		eff.say(RoleAgent, KindConfirmationPrompt, confirmPrompt(result.Fields), result.Fields)
		return eff
	}

	if h.escalate {
		logging.Agent("identify confidence %.2f < %.2f, escalating", result.Confidence, h.threshold)
		eff.followUp = &Action{Type: actionEscalate}
		return eff
	}

	low := true
	eff.lowConfidence = &low
	eff.transition = PhaseAwaitingConfirmation
	eff.say(RoleAgent, KindConfirmationPrompt,
		"I am not fully sure about this one. Please review the fields below carefully.", result.Fields)
	return eff
}

func (h *identifyHandler) fail(eff *effects, err error) *effects {
	logging.AgentWarn("identify failed: %v", err)
	eff.transition = PhaseIdle
	eff.say(RoleAgent, KindError, "Identification failed: "+err.Error(), nil)
	return eff
}

// escalateHandler retries identification against the escalation provider.
// The escalation-policy middleware caps how many times it can run.
type escalateHandler struct {
	escalator Escalator
	threshold float64
}

func (h *escalateHandler) validate(conv *Conversation, act Action) error {
	if _, ok := conv.LastIdentify(); !ok {
		return &ValidationError{Missing: []string{"prior identify input"}}
	}
	return nil
}

func (h *escalateHandler) handle(ctx context.Context, conv *Conversation, act Action) *effects {
	eff := &effects{escalated: true}
	last, _ := conv.LastIdentify()

	logging.Agent("escalating identify to %s", h.escalator.Name())
	result, err := h.escalator.Identify(ctx, last.Text, last.ImageData)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return &effects{}
		}
		// Escalation failure is not fatal: fall back to the primary
		// result, flagged low-confidence.
		logging.AgentWarn("escalation to %s failed: %v", h.escalator.Name(), err)
		return h.fallback(eff, conv)
	}

	if len(result.Fields) > 0 {
		eff.identity = result.Fields
		eff.identityReplace = true
	}

	if result.Confidence >= h.threshold {
		logging.Agent("escalation confidence %.2f >= %.2f", result.Confidence, h.threshold)
		eff.transition = PhaseAwaitingConfirmation
		eff.say(RoleAgent, KindConfirmationPrompt, confirmPrompt(result.Fields), result.Fields)
		return eff
	}

	// Still under threshold: re-dispatch and let the policy middleware
	// decide whether another escalation is allowed.
	eff.followUp = &Action{Type: actionEscalate}
	return eff
}

func (h *escalateHandler) fallback(eff *effects, conv *Conversation) *effects {
	identity := conv.Identity()
	if len(identity) == 0 {
		eff.transition = PhaseIdle
		eff.say(RoleAgent, KindError, (&EscalationExhaustedError{}).Error(), nil)
		return eff
	}
	low := true
	eff.lowConfidence = &low
	eff.transition = PhaseAwaitingConfirmation
	eff.say(RoleAgent, KindConfirmationPrompt,
		"I am not fully sure about this one. Please review the fields below carefully.", identity)
	return eff
}

// confirmHandler accepts the identification, applies inline corrections and
// kicks off enrichment. Local only; the enrich handler owns the outbound
// stream.
type confirmHandler struct{}

func (confirmHandler) validate(conv *Conversation, act Action) error { return nil }

func (confirmHandler) handle(ctx context.Context, conv *Conversation, act Action) *effects {
	eff := &effects{}
	if len(act.Corrections) > 0 {
		eff.identity = act.Corrections
	}
	eff.say(RoleUser, KindText, "Confirmed.", nil)
	eff.followUp = &Action{Type: actionEnrich}
	return eff
}

// enrichHandler streams supplementary detail for the confirmed identity.
// Enrichment failure is degraded, never fatal: the wine can always be added
// with identification fields alone.
type enrichHandler struct {
	backend Backend
}

func (h *enrichHandler) validate(conv *Conversation, act Action) error {
	if len(conv.Identity()) == 0 {
		return &ValidationError{Missing: []string{"confirmed identity"}}
	}
	return nil
}

func (h *enrichHandler) handle(ctx context.Context, conv *Conversation, act Action) *effects {
	eff := &effects{}
	conv.Reconciler.Reset()

	stream, err := h.backend.Enrich(ctx, service.EnrichRequest{Identity: conv.Identity()})
	if err != nil {
		return h.degrade(eff, conv, &TransportError{Op: "enrich", Err: err})
	}

	if _, err := drainStream(ctx, conv.Reconciler, stream); err != nil {
		if errors.Is(err, context.Canceled) {
			return &effects{}
		}
		return h.degrade(eff, conv, &TransportError{Op: "enrich stream", Err: err})
	}

	conv.Reconciler.MarkAllComplete()
	values := conv.Reconciler.Values()
	eff.enrichment = values
	eff.transition = PhaseReviewingEnrichment
	eff.say(RoleAgent, KindEnrichmentCard, "Here is what I found about this wine.", values)
	return eff
}

// degrade keeps whatever partial values arrived and moves on to review.
func (h *enrichHandler) degrade(eff *effects, conv *Conversation, err error) *effects {
	logging.AgentWarn("enrichment degraded: %v", err)
	values := conv.Reconciler.Values()
	eff.enrichment = values
	eff.transition = PhaseReviewingEnrichment
	eff.say(RoleAgent, KindText,
		"I could not fetch the full background for this wine, but you can still add it to the cellar.", values)
	return eff
}

// flagFieldsHandler marks identified fields as wrong or missing and prompts
// the user to supply them. Local only.
type flagFieldsHandler struct{}

func (flagFieldsHandler) validate(conv *Conversation, act Action) error {
	if len(act.Flagged) == 0 {
		return &ValidationError{Missing: []string{"flagged fields"}}
	}
	return nil
}

func (flagFieldsHandler) handle(ctx context.Context, conv *Conversation, act Action) *effects {
	names := make([]string, len(act.Flagged))
	for i, f := range act.Flagged {
		names[i] = string(f)
	}
	eff := &effects{}
	eff.say(RoleAgent, KindText,
		"Please provide the correct values for: "+strings.Join(names, ", "), nil)
	return eff
}

// supplyFieldsHandler applies user-supplied corrections, or re-runs
// identification with the corrections as hints when the user asks for it.
type supplyFieldsHandler struct{}

func (supplyFieldsHandler) validate(conv *Conversation, act Action) error {
	if len(act.Corrections) == 0 && !act.Reidentify {
		return &ValidationError{Missing: []string{"corrections"}}
	}
	return nil
}

func (supplyFieldsHandler) handle(ctx context.Context, conv *Conversation, act Action) *effects {
	eff := &effects{}

	if act.Reidentify {
		last, ok := conv.LastIdentify()
		if !ok {
			eff.transition = PhaseIdle
			eff.say(RoleAgent, KindError, "Nothing to re-identify. Start over with a photo or description.", nil)
			return eff
		}
		eff.transition = PhaseIdentifying
		eff.say(RoleUser, KindText, "Let's try identifying again.", copyFields(act.Corrections))
		eff.followUp = &Action{
			Type:      actionReidentify,
			Text:      reidentifyText(last.Text, act.Corrections),
			ImageData: last.ImageData,
		}
		return eff
	}

	eff.identity = act.Corrections
	eff.transition = PhaseAwaitingConfirmation
	merged := conv.Identity()
	for f, v := range act.Corrections {
		merged[f] = v
	}
	eff.say(RoleAgent, KindConfirmationPrompt, confirmPrompt(merged), merged)
	return eff
}

// reidentifyText folds known-good field values into the original input so
// the second identification attempt starts from them.
func reidentifyText(original string, known map[service.Field]string) string {
	if len(known) == 0 {
		return original
	}
	hints := make([]string, 0, len(known))
	for f, v := range known {
		hints = append(hints, fmt.Sprintf("%s=%s", f, v))
	}
	sort.Strings(hints)
	return strings.TrimSpace(original + "\nKnown details: " + strings.Join(hints, ", "))
}

// addHandler inserts the confirmed, enriched wine. A conflict response is
// not a failure: the candidates go back to the user for disambiguation.
type addHandler struct {
	backend Backend
}

func (h *addHandler) validate(conv *Conversation, act Action) error {
	if len(conv.Identity()) == 0 {
		return &ValidationError{Missing: []string{"confirmed identity"}}
	}
	return nil
}

func (h *addHandler) handle(ctx context.Context, conv *Conversation, act Action) *effects {
	eff := &effects{}

	fields := conv.Identity()
	for f, v := range conv.Enrichment() {
		if _, taken := fields[f]; !taken {
			fields[f] = v
		}
	}

	result, err := h.backend.AddWine(ctx, service.AddWineRequest{
		Fields:          fields,
		ResolvedMatches: act.Resolved,
	})
	if err != nil {
		var conflict *service.ConflictError
		if errors.As(err, &conflict) {
			logging.Agent("add conflict: %d candidates", len(conflict.Candidates))
			eff.matches = conflict.Candidates
			eff.transition = PhaseAwaitingConfirmation
			eff.say(RoleAgent, KindConfirmationPrompt, conflictPrompt(conflict.Candidates), nil)
			return eff
		}
		if errors.Is(err, context.Canceled) {
			return &effects{}
		}
		logging.AgentWarn("add failed: %v", err)
		eff.transition = PhaseError
		eff.say(RoleAgent, KindError, "Adding to the cellar failed: "+err.Error(), nil)
		return eff
	}

	eff.clearMatches = true
	eff.transition = PhaseDone
	eff.say(RoleAgent, KindText, fmt.Sprintf("Added to your cellar (wine #%d).", result.WineID), nil)
	return eff
}

func conflictPrompt(cands []service.EntityMatchCandidate) string {
	lines := []string{"This looks similar to records already in your cellar. Pick an existing entry or create a new one:"}
	for _, c := range cands {
		lines = append(lines, fmt.Sprintf("- %s: %s (%.0f%% match)", c.Kind, c.DisplayLabel, c.Confidence*100))
	}
	return strings.Join(lines, "\n")
}

// retryHandler re-drives the in-flight operation after a failure or a
// stalled restore. What gets retried depends on the current phase.
type retryHandler struct{}

func (retryHandler) validate(conv *Conversation, act Action) error { return nil }

func (retryHandler) handle(ctx context.Context, conv *Conversation, act Action) *effects {
	eff := &effects{clearStalled: true}

	switch conv.Machine.Current() {
	case PhaseIdentifying:
		last, ok := conv.LastIdentify()
		if !ok {
			eff.transition = PhaseIdle
			eff.say(RoleAgent, KindError, "Nothing to retry. Start over with a photo or description.", nil)
			return eff
		}
		eff.followUp = &Action{Type: actionReidentify, Text: last.Text, ImageData: last.ImageData}
	case PhaseEnriching:
		eff.followUp = &Action{Type: actionEnrich}
	}
	return eff
}

// abortHandler wipes the conversation back to a fresh idle session.
type abortHandler struct{}

func (abortHandler) validate(conv *Conversation, act Action) error { return nil }

func (abortHandler) handle(ctx context.Context, conv *Conversation, act Action) *effects {
	return &effects{reset: true}
}
