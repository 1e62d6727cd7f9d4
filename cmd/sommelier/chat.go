package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"sommelier/internal/agent"
	"sommelier/internal/config"
	"sommelier/internal/llm"
	"sommelier/internal/logging"
	"sommelier/internal/service"
	"sommelier/internal/session"
)

// runChat wires the full stack and drives the line-oriented conversation.
func runChat(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	stateDir := config.StateDir()
	if err := logging.Initialize(stateDir, logging.Settings{
		DebugMode:  cfg.Logging.DebugMode || verbose,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return err
	}

	// Logging config reloads on file change without a restart.
	cfgFile := configPath
	if cfgFile == "" {
		cfgFile = stateDir + "/config.yaml"
	}
	if watcher, err := config.NewWatcher(cfgFile); err == nil {
		if err := watcher.Start(ctx); err == nil {
			defer watcher.Stop()
		}
	}

	store, err := session.Open(cfg.SessionPath(stateDir))
	if err != nil {
		return err
	}
	defer store.Close()

	serviceTimeout, _ := cfg.ServiceTimeout()
	llmTimeout, _ := cfg.LLMTimeout()
	idleTimeout, _ := cfg.TypingIdleTimeout()

	var escalator agent.Escalator
	if cfg.LLM.EscalationProvider != "" {
		p, err := llm.NewProvider(cfg.LLM.EscalationProvider, cfg.LLM, llmTimeout)
		if err != nil {
			logger.Warn("escalation disabled", zap.Error(err))
		} else {
			escalator = p
		}
	}

	a := agent.New(agent.Options{
		Backend:             service.NewClient(cfg.Services.BaseURL, serviceTimeout),
		Escalator:           escalator,
		Store:               store.Session(sessionID),
		ConfidenceThreshold: cfg.Agent.ConfidenceThreshold,
		MaxEscalations:      cfg.Agent.MaxEscalations,
		TypingIdleTimeout:   idleTimeout,
	})
	if err := a.Restore(); err != nil {
		logger.Warn("could not restore session", zap.Error(err))
	}

	fmt.Printf("sommelier %s - session %q\n", version, sessionID)
	if a.Stalled() {
		fmt.Println("A previous conversation was interrupted mid-stream. Use /retry to resume or /abort to start over.")
	}
	seen := replay(a, 0)
	fmt.Println("Describe a wine or use /photo <file>. /help for commands.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Printf("[%s] > ", a.Phase())
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		quit, err := handleLine(ctx, a, line)
		if err != nil {
			fmt.Printf("  ! %v\n", err)
		}
		seen = replay(a, seen)
		if quit {
			return nil
		}
	}
}

func handleLine(ctx context.Context, a *agent.Agent, line string) (quit bool, err error) {
	if !strings.HasPrefix(line, "/") {
		return false, freeText(ctx, a, line)
	}

	tokens := strings.Fields(line)
	cmd, args := tokens[0], tokens[1:]

	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		printHelp()
		return false, nil
	case "/status":
		printStatus(a)
		return false, nil
	case "/photo":
		if len(args) == 0 {
			return false, fmt.Errorf("usage: /photo <file> [description]")
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return false, err
		}
		return false, a.Dispatch(ctx, agent.Action{
			Type:      agent.ActionIdentify,
			Text:      strings.Join(args[1:], " "),
			ImageData: base64.StdEncoding.EncodeToString(data),
		})
	case "/confirm":
		corrections, err := parseFields(args)
		if err != nil {
			return false, err
		}
		return false, a.Dispatch(ctx, agent.Action{Type: agent.ActionConfirm, Corrections: corrections})
	case "/flag":
		if len(args) == 0 {
			return false, fmt.Errorf("usage: /flag <field> [field...]")
		}
		var flagged []service.Field
		for _, name := range args {
			f, ok := service.ResolveField(name)
			if !ok {
				return false, fmt.Errorf("unknown field %q", name)
			}
			flagged = append(flagged, f)
		}
		return false, a.Dispatch(ctx, agent.Action{Type: agent.ActionFlagFields, Flagged: flagged})
	case "/fix":
		corrections, err := parseFields(args)
		if err != nil {
			return false, err
		}
		return false, a.Dispatch(ctx, agent.Action{Type: agent.ActionSupplyFields, Corrections: corrections})
	case "/reidentify":
		corrections, err := parseFields(args)
		if err != nil {
			return false, err
		}
		return false, a.Dispatch(ctx, agent.Action{
			Type:        agent.ActionSupplyFields,
			Reidentify:  true,
			Corrections: corrections,
		})
	case "/add", "/pick":
		resolved, err := parseResolved(args)
		if err != nil {
			return false, err
		}
		return false, a.Dispatch(ctx, agent.Action{Type: agent.ActionAddToCellar, Resolved: resolved})
	case "/retry":
		return false, a.Dispatch(ctx, agent.Action{Type: agent.ActionRetry})
	case "/abort":
		return false, a.Abort(ctx)
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
}

// freeText routes plain input by phase: a description starts identification,
// field assignments answer a collection prompt.
func freeText(ctx context.Context, a *agent.Agent, line string) error {
	switch a.Phase() {
	case agent.PhaseIdle:
		return a.Dispatch(ctx, agent.Action{Type: agent.ActionIdentify, Text: line})
	case agent.PhaseCollectingMissingInfo:
		corrections, err := parseFields(strings.Fields(line))
		if err != nil {
			return fmt.Errorf("expected field=value pairs, e.g. vintage=2015")
		}
		return a.Dispatch(ctx, agent.Action{Type: agent.ActionSupplyFields, Corrections: corrections})
	case agent.PhaseAwaitingConfirmation:
		return fmt.Errorf("use /confirm, /flag <field>, or /abort")
	case agent.PhaseReviewingEnrichment:
		return fmt.Errorf("use /add, /retry, or /abort")
	default:
		return fmt.Errorf("no free-text input in phase %s", a.Phase())
	}
}

// replay prints messages the user has not seen yet and returns the new
// high-water mark.
func replay(a *agent.Agent, seen int) int {
	msgs := a.Messages()
	for _, m := range msgs[min(seen, len(msgs)):] {
		printMessage(m)
	}
	return len(msgs)
}

func printMessage(m agent.Message) {
	prefix := "somm"
	if m.Role == agent.RoleUser {
		prefix = "you "
	}
	switch m.Kind {
	case agent.KindError:
		fmt.Printf("%s: !! %s\n", prefix, m.Payload)
	case agent.KindEnrichmentCard, agent.KindConfirmationPrompt:
		fmt.Printf("%s: %s\n", prefix, m.Payload)
		printFieldMap(m.Fields)
	default:
		fmt.Printf("%s: %s\n", prefix, m.Payload)
	}
}

func printFieldMap(fields map[service.Field]string) {
	for _, f := range service.KnownFields {
		if v, ok := fields[f]; ok && v != "" {
			fmt.Printf("      %-16s %s\n", f, v)
		}
	}
}

func printStatus(a *agent.Agent) {
	fmt.Printf("phase: %s\n", a.Phase())
	if a.LowConfidence() {
		fmt.Println("note: identification is low-confidence, review carefully")
	}
	if a.Stalled() {
		fmt.Println("note: stalled after restart, /retry or /abort")
	}
	for _, f := range a.StreamingFields() {
		marker := " "
		if f.IsTyping {
			marker = "~"
		}
		fmt.Printf("  %s %-16s %s\n", marker, f.Field, f.Value)
	}
	if pending := a.PendingMatches(); len(pending) > 0 {
		fmt.Println("pending matches (resolve via /add kind=id or kind=new):")
		for _, c := range pending {
			id := "new"
			if c.CandidateID != nil {
				id = strconv.FormatInt(*c.CandidateID, 10)
			}
			fmt.Printf("  %-10s %-30s id=%s (%.0f%%)\n", c.Kind, c.DisplayLabel, id, c.Confidence*100)
		}
	}
}

func printHelp() {
	fmt.Print(`Commands:
  <text>                describe a wine to identify (idle phase)
  /photo <file> [text]  identify from a label photo
  /confirm [f=v ...]    accept the identification, with optional corrections
  /flag <field> ...     mark fields as wrong or missing
  /fix <field>=<v> ...  supply corrected values
  /reidentify [f=v ...] re-run identification with known values as hints
  /add [kind=id ...]    add to the cellar, resolving any duplicate matches
  /pick <kind>=<id|new> alias for /add with match resolutions
  /retry                retry the in-flight identify/enrich step
  /abort                discard the conversation and start over
  /status               show phase, fields and pending matches
  /quit                 exit (the session is saved)
`)
}

func parseFields(tokens []string) (map[service.Field]string, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	out := make(map[service.Field]string, len(tokens))
	for _, tok := range tokens {
		name, value, ok := strings.Cut(tok, "=")
		if !ok || value == "" {
			return nil, fmt.Errorf("expected field=value, got %q", tok)
		}
		f, resolved := service.ResolveField(name)
		if !resolved {
			return nil, fmt.Errorf("unknown field %q", name)
		}
		out[f] = strings.ReplaceAll(value, "_", " ")
	}
	return out, nil
}

func parseResolved(tokens []string) ([]service.ResolvedMatch, error) {
	var out []service.ResolvedMatch
	for _, tok := range tokens {
		kind, value, ok := strings.Cut(tok, "=")
		if !ok {
			return nil, fmt.Errorf("expected kind=id or kind=new, got %q", tok)
		}
		match := service.ResolvedMatch{Kind: service.MatchKind(kind)}
		if value != "new" {
			id, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("candidate id %q: %w", value, err)
			}
			match.CandidateID = &id
		}
		out = append(out, match)
	}
	return out, nil
}
