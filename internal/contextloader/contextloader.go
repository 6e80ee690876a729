// Package contextloader assembles the per-mode context block injected into
// agent prompts.
//
// Each agent mode declares a profile: which elements are always loaded, which
// are skipped, and which are fetched only when the classifier detected a
// matching intent. Store fetches for one turn run concurrently; a failed
// element is reported and skipped rather than failing the turn.
package contextloader

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/solyn-app/solyn/internal/models"
	"github.com/solyn-app/solyn/internal/store"
)

// Element names one loadable context block.
type Element string

const (
	ElementTemporal        Element = "temporal"
	ElementIdentity        Element = "identity"
	ElementUserFacts       Element = "user_facts"
	ElementPlanMeta        Element = "plan_meta"
	ElementPlanContent     Element = "plan_content"
	ElementActionSummaries Element = "action_summaries"
	ElementActionDetails   Element = "action_details"
	ElementVitals          Element = "vitals"
	ElementMemories        Element = "memories"
	ElementRecentMessages  Element = "recent_messages"
	ElementShortTerm       Element = "short_term_context"
)

// Flag says whether an element is loaded for a given mode.
type Flag string

const (
	FlagOn  Flag = "on"
	FlagOff Flag = "off"
	// FlagOnDemand loads the element only when the classifier produced the
	// matching context trigger this turn.
	FlagOnDemand Flag = "on_demand"
)

// Profile maps elements to flags for one agent mode. Absent elements are off.
type Profile map[Element]Flag

// ProfileFor returns the loading profile of an agent mode. Safety modes load
// the minimum needed to respond fast.
func ProfileFor(mode models.AgentMode) Profile {
	switch mode {
	case models.ModeSentry:
		return Profile{
			ElementIdentity: FlagOn,
			ElementVitals:   FlagOn,
		}
	case models.ModeFirefighter:
		return Profile{
			ElementTemporal:  FlagOn,
			ElementIdentity:  FlagOn,
			ElementUserFacts: FlagOn,
			ElementVitals:    FlagOn,
			ElementMemories:  FlagOnDemand,
			ElementShortTerm: FlagOn,
		}
	case models.ModeInvestigator:
		return Profile{
			ElementTemporal:        FlagOn,
			ElementIdentity:        FlagOn,
			ElementPlanMeta:        FlagOn,
			ElementActionSummaries: FlagOn,
			ElementActionDetails:   FlagOn,
			ElementVitals:          FlagOn,
			ElementRecentMessages:  FlagOn,
		}
	default: // companion
		return Profile{
			ElementTemporal:        FlagOn,
			ElementIdentity:        FlagOn,
			ElementUserFacts:       FlagOn,
			ElementPlanMeta:        FlagOn,
			ElementActionSummaries: FlagOn,
			ElementRecentMessages:  FlagOn,
			ElementShortTerm:       FlagOn,
			ElementPlanContent:     FlagOnDemand,
			ElementActionDetails:   FlagOnDemand,
			ElementMemories:        FlagOnDemand,
			ElementVitals:          FlagOnDemand,
		}
	}
}

// triggerFor maps on-demand elements to the classifier trigger that turns
// them on.
func triggerFor(el Element) (models.ContextTrigger, bool) {
	switch el {
	case ElementPlanContent:
		return models.TriggerPlanDetail, true
	case ElementActionDetails:
		return models.TriggerActionIntent, true
	case ElementMemories:
		return models.TriggerMemoryLookup, true
	case ElementVitals:
		return models.TriggerVitals, true
	default:
		return "", false
	}
}

// Metrics reports what one load actually did.
type Metrics struct {
	Loaded  []Element
	Skipped []Element
	Failed  []Element
	Elapsed time.Duration
	// EstimatedTokens is a rough prompt-size estimate of the flattened block,
	// at 4 characters per token.
	EstimatedTokens int
}

// Context is the assembled result handed to the agent.
type Context struct {
	Temporal        string
	Identity        *store.Identity
	UserFacts       []store.UserFact
	PlanMeta        *store.PlanMeta
	PlanContent     string
	ActionSummaries []store.ActionSummary
	ActionDetails   []store.ActionDetail
	Vitals          *store.VitalsSnapshot
	Memories        []string
	RecentMessages  []models.TurnMessage
	ShortTerm       string

	Metrics Metrics
}

// Loader fetches context elements from the store.
type Loader struct {
	st             store.Store
	recentMsgCount int
	memoryLimit    int
	now            func() time.Time
}

// NewLoader creates a loader over the given store.
func NewLoader(st store.Store) *Loader {
	return &Loader{st: st, recentMsgCount: 10, memoryLimit: 5, now: time.Now}
}

// NewLoaderWithClock creates a loader with an injected clock for tests.
func NewLoaderWithClock(st store.Store, clock func() time.Time) *Loader {
	l := NewLoader(st)
	l.now = clock
	return l
}

// Load assembles the context for one turn. Element fetches run concurrently;
// the plan-dependent elements wait for the plan header first. Individual
// element failures are recorded in Metrics.Failed and do not fail the load.
func (l *Loader) Load(ctx context.Context, state *models.ChatState, mode models.AgentMode, bundle models.SignalBundle) *Context {
	start := time.Now()
	profile := ProfileFor(mode)
	out := &Context{}

	wanted := func(el Element) bool {
		switch profile[el] {
		case FlagOn:
			return true
		case FlagOnDemand:
			trigger, ok := triggerFor(el)
			return ok && bundle.HasTrigger(trigger)
		default:
			return false
		}
	}

	var mu sync.Mutex
	record := func(el Element, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			slog.Warn("Loader.Load: element failed", "element", el, "error", err, "userID", state.UserID)
			out.Metrics.Failed = append(out.Metrics.Failed, el)
			return
		}
		out.Metrics.Loaded = append(out.Metrics.Loaded, el)
	}

	// Temporal markers and the short-term context need no store fetch.
	if wanted(ElementTemporal) {
		out.Temporal = temporalLine(l.now())
		record(ElementTemporal, nil)
	}
	if wanted(ElementShortTerm) {
		out.ShortTerm = state.ShortTermContext
		record(ElementShortTerm, nil)
	}

	g, gctx := errgroup.WithContext(ctx)

	if wanted(ElementIdentity) {
		g.Go(func() error {
			id, err := l.st.GetIdentity(state.UserID)
			out.Identity = id
			record(ElementIdentity, err)
			return nil
		})
	}
	if wanted(ElementUserFacts) {
		g.Go(func() error {
			facts, err := l.st.GetUserFacts(state.UserID)
			out.UserFacts = facts
			record(ElementUserFacts, err)
			return nil
		})
	}
	if wanted(ElementVitals) {
		g.Go(func() error {
			v, err := l.st.GetVitals(state.UserID)
			out.Vitals = v
			record(ElementVitals, err)
			return nil
		})
	}
	if wanted(ElementMemories) {
		g.Go(func() error {
			mems, err := l.st.SearchMemories(state.UserID, "", l.memoryLimit)
			out.Memories = mems
			record(ElementMemories, err)
			return nil
		})
	}
	if wanted(ElementRecentMessages) {
		g.Go(func() error {
			msgs, err := l.st.GetRecentMessages(state.UserID, state.Scope, l.recentMsgCount)
			out.RecentMessages = msgs
			record(ElementRecentMessages, err)
			return nil
		})
	}

	needPlan := wanted(ElementPlanMeta) || wanted(ElementPlanContent) ||
		wanted(ElementActionSummaries) || wanted(ElementActionDetails)
	if needPlan {
		g.Go(func() error {
			meta, err := l.st.GetPlanMeta(state.UserID)
			if wanted(ElementPlanMeta) {
				out.PlanMeta = meta
				record(ElementPlanMeta, err)
			}
			if err != nil || meta == nil {
				return nil
			}
			// Dependent fetches; still concurrent among themselves.
			sub, _ := errgroup.WithContext(gctx)
			if wanted(ElementPlanContent) {
				sub.Go(func() error {
					content, cerr := l.st.GetPlanContent(meta.ID)
					out.PlanContent = content
					record(ElementPlanContent, cerr)
					return nil
				})
			}
			if wanted(ElementActionSummaries) {
				sub.Go(func() error {
					sums, serr := l.st.GetActionSummaries(meta.ID)
					out.ActionSummaries = sums
					record(ElementActionSummaries, serr)
					return nil
				})
			}
			if wanted(ElementActionDetails) {
				sub.Go(func() error {
					details, derr := l.st.GetActionDetails(meta.ID)
					out.ActionDetails = details
					record(ElementActionDetails, derr)
					return nil
				})
			}
			return sub.Wait()
		})
	}

	_ = g.Wait()

	for _, el := range []Element{ElementTemporal, ElementIdentity, ElementUserFacts, ElementPlanMeta,
		ElementPlanContent, ElementActionSummaries, ElementActionDetails,
		ElementVitals, ElementMemories, ElementRecentMessages, ElementShortTerm} {
		if !wanted(el) {
			out.Metrics.Skipped = append(out.Metrics.Skipped, el)
		}
	}
	out.Metrics.Elapsed = time.Since(start)
	out.Metrics.EstimatedTokens = len(out.Flatten()) / 4
	slog.Debug("Loader.Load: context assembled", "mode", mode,
		"loaded", len(out.Metrics.Loaded), "failed", len(out.Metrics.Failed),
		"estimatedTokens", out.Metrics.EstimatedTokens,
		"elapsedMS", out.Metrics.Elapsed.Milliseconds())
	return out
}

var frenchDays = [...]string{"dimanche", "lundi", "mardi", "mercredi", "jeudi", "vendredi", "samedi"}

var frenchMonths = [...]string{"janvier", "février", "mars", "avril", "mai", "juin",
	"juillet", "août", "septembre", "octobre", "novembre", "décembre"}

// temporalLine renders the current date and time in French, so the agent can
// anchor phrases like "ce soir" or "demain matin".
func temporalLine(t time.Time) string {
	return fmt.Sprintf("%s %d %s %d, %02dh%02d",
		frenchDays[t.Weekday()], t.Day(), frenchMonths[t.Month()-1], t.Year(), t.Hour(), t.Minute())
}

// Flatten renders the context as the prompt block handed to the agent.
// Empty elements are omitted entirely.
func (c *Context) Flatten() string {
	var b strings.Builder
	if c.Temporal != "" {
		fmt.Fprintf(&b, "## Repères temporels\nNous sommes le %s.\n\n", c.Temporal)
	}
	if c.Identity != nil {
		fmt.Fprintf(&b, "## Utilisateur\nNom: %s", c.Identity.DisplayName)
		if c.Identity.Pronouns != "" {
			fmt.Fprintf(&b, " (%s)", c.Identity.Pronouns)
		}
		b.WriteString("\n\n")
	}
	if len(c.UserFacts) > 0 {
		b.WriteString("## À savoir\n")
		for _, f := range c.UserFacts {
			fmt.Fprintf(&b, "- %s\n", f.Fact)
		}
		b.WriteString("\n")
	}
	if c.PlanMeta != nil {
		fmt.Fprintf(&b, "## Plan en cours\n%s", c.PlanMeta.Title)
		if c.PlanMeta.Summary != "" {
			fmt.Fprintf(&b, ": %s", c.PlanMeta.Summary)
		}
		b.WriteString("\n\n")
	}
	if c.PlanContent != "" {
		fmt.Fprintf(&b, "## Détail du plan\n%s\n\n", c.PlanContent)
	}
	if len(c.ActionSummaries) > 0 {
		b.WriteString("## Actions\n")
		for _, a := range c.ActionSummaries {
			fmt.Fprintf(&b, "- [%s] %s (%s)\n", a.ID, a.Title, a.Status)
		}
		b.WriteString("\n")
	}
	if len(c.ActionDetails) > 0 {
		b.WriteString("## Actions en détail\n")
		for _, a := range c.ActionDetails {
			fmt.Fprintf(&b, "- [%s] %s (%s)", a.ID, a.Title, a.Status)
			if a.Detail != "" {
				fmt.Fprintf(&b, ": %s", a.Detail)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if c.Vitals != nil {
		fmt.Fprintf(&b, "## Signaux récents\nHumeur: %d/10, Énergie: %d/10, Sommeil: %d/10\n\n",
			c.Vitals.Mood, c.Vitals.Energy, c.Vitals.Sleep)
	}
	if len(c.Memories) > 0 {
		b.WriteString("## Souvenirs pertinents\n")
		for _, m := range c.Memories {
			fmt.Fprintf(&b, "- %s\n", m)
		}
		b.WriteString("\n")
	}
	if c.ShortTerm != "" {
		fmt.Fprintf(&b, "## Contexte court terme\n%s\n\n", c.ShortTerm)
	}
	return strings.TrimRight(b.String(), "\n")
}
